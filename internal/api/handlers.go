// Package api exposes the HTTP and websocket surface of the capture service.
package api

import (
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/high-horse/biocapture/internal/device"
	"github.com/high-horse/biocapture/internal/scan"
	"github.com/high-horse/biocapture/internal/store"
)

// API bundles the route handlers and their collaborators.
type API struct {
	store     *store.Store
	orch      *scan.Orchestrator
	status    *scan.StatusBroadcaster
	lock      *device.Lock
	newReader func() device.Reader
}

// New builds the API surface.
func New(st *store.Store, orch *scan.Orchestrator, status *scan.StatusBroadcaster, lock *device.Lock, newReader func() device.Reader) *API {
	return &API{store: st, orch: orch, status: status, lock: lock, newReader: newReader}
}

// Register mounts all routes on app.
func (a *API) Register(app *fiber.App) {
	app.Get("/health", a.health)

	v1 := app.Group("/api/v1")
	v1.Post("/applicants", a.registerApplicant)
	v1.Get("/applicants", a.listApplicants)
	v1.Get("/applicants/:identity", a.getApplicant)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/scan/:identity", websocket.New(func(c *websocket.Conn) {
		a.orch.HandleScan(scan.WSConn{Conn: c}, c.Params("identity"))
	}))
	app.Get("/ws/status", websocket.New(func(c *websocket.Conn) {
		a.status.HandleSubscriber(scan.WSConn{Conn: c}, scan.GroupStatus)
	}))
	app.Get("/ws/admin", websocket.New(func(c *websocket.Conn) {
		a.status.HandleSubscriber(scan.WSConn{Conn: c}, scan.GroupAdmin)
	}))
}

func (a *API) health(c *fiber.Ctx) error {
	resp := HealthResponse{Status: "ok", Time: time.Now().UTC(), DeviceBusy: a.lock.Held()}

	// Probe the reader only when no session holds it; a scan in progress
	// must never share the handle.
	if !resp.DeviceBusy && a.lock.TryAcquire() {
		info, err := device.Probe(a.newReader())
		a.lock.Release()
		if err != nil {
			resp.Device = &DeviceStatus{Connected: false, Error: err.Error()}
		} else {
			resp.Device = &DeviceStatus{
				Connected:    true,
				SerialNumber: info.SerialNumber,
				Width:        info.Width,
				Height:       info.Height,
			}
		}
	}
	return c.JSON(resp)
}

func (a *API) registerApplicant(c *fiber.Ctx) error {
	var req RegisterApplicantRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "Invalid request body: " + err.Error()})
	}

	applicant, err := a.store.CreateApplicant(c.Context(), req.IdentityNumber, req.FullName)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return c.Status(fiber.StatusConflict).JSON(ErrorResponse{Error: "Applicant already registered"})
		}
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(toApplicantResponse(applicant))
}

func (a *API) getApplicant(c *fiber.Ctx) error {
	applicant, err := a.store.GetApplicant(c.Context(), c.Params("identity"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "Applicant not found"})
		}
		return err
	}
	return c.JSON(toApplicantResponse(applicant))
}

func (a *API) listApplicants(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	offset := c.QueryInt("offset", 0)

	applicants, err := a.store.ListApplicants(c.Context(), limit, offset)
	if err != nil {
		return err
	}
	resp := ListApplicantsResponse{Applicants: make([]ApplicantResponse, 0, len(applicants)), Limit: limit, Offset: offset}
	for i := range applicants {
		resp.Applicants = append(resp.Applicants, toApplicantResponse(&applicants[i]))
	}
	return c.JSON(resp)
}

func toApplicantResponse(a *store.Applicant) ApplicantResponse {
	return ApplicantResponse{
		ID:             a.ID,
		IdentityNumber: a.IdentityNumber,
		FullName:       a.FullName,
		Enrolled:       a.Enrolled,
		CreatedAt:      a.CreatedAt,
	}
}
