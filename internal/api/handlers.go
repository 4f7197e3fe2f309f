package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"enrollgate/internal/device"
	ncerr "enrollgate/internal/errors"
	"enrollgate/internal/registry"
	"enrollgate/internal/session"
)

type enrollRequest struct {
	StudentID string `json:"student_id" binding:"required"`
	DeviceID  string `json:"device_id" binding:"required"`
	Finger    *int   `json:"finger" binding:"required"`
}

func (h *Handler) startEnrollment(c *gin.Context) {
	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, ncerr.E(ncerr.KindInvalidRequest, "enroll", "", err))
		return
	}
	ctx := c.Request.Context()
	d, err := h.deps.Registry.ValidateEnrollment(ctx, req.StudentID, req.DeviceID, *req.Finger)
	if err != nil {
		h.fail(c, err)
		return
	}
	snap, err := h.deps.Sessions.Start(ctx, session.Request{
		DeviceRef:  d.ID,
		Identity:   h.identity(d),
		StudentRef: req.StudentID,
		Finger:     *req.Finger,
	})
	if err != nil {
		cat := ncerr.Translate(err)
		body := errorBody{Error: cat}
		if snap.ID != "" {
			body.Session = &snap
		}
		c.JSON(cat.Status, body)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (h *Handler) listEnrollments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.deps.Sessions.List()})
}

func (h *Handler) enrollmentStatus(c *gin.Context) {
	snap, err := h.deps.Sessions.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) cancelEnrollment(c *gin.Context) {
	snap, err := h.deps.Sessions.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

type testRequest struct {
	Address string `json:"address" binding:"required"`
	Port    int    `json:"port"`
	Secret  string `json:"secret"`
}

func (h *Handler) testAddress(c *gin.Context) {
	var req testRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, ncerr.E(ncerr.KindInvalidRequest, "test", "", err))
		return
	}
	if req.Port == 0 {
		req.Port = h.deps.DefaultPort
	}
	if req.Secret == "" {
		req.Secret = h.deps.Secret
	}
	id := device.Identity{Address: req.Address, Port: req.Port, Secret: req.Secret}
	if err := id.Validate(); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, device.Test(c.Request.Context(), h.deps.Opener, id, h.deps.TestTimeout))
}

func (h *Handler) testDevice(c *gin.Context) {
	d, err := h.deps.Registry.Device(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, device.Test(c.Request.Context(), h.deps.Opener, h.identity(d), h.deps.TestTimeout))
}

func (h *Handler) identity(d registry.Device) device.Identity {
	id := d.Identity()
	if id.Secret == "" {
		id.Secret = h.deps.Secret
	}
	return id
}
