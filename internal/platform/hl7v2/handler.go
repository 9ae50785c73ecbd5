package hl7v2

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/hl7struct/internal/platform/middleware"
)

// Handler provides HTTP endpoints for placing HL7v2 messages into their
// structures.
type Handler struct {
	placer *Placer
	logger zerolog.Logger
}

// NewHandler creates a new HL7v2 handler. logger is used when the request
// carries no request-scoped logger.
func NewHandler(placer *Placer, logger zerolog.Logger) *Handler {
	return &Handler{placer: placer, logger: logger}
}

// RegisterRoutes registers HL7v2 endpoints on the provided route group.
//
//	POST /api/v1/hl7v2/parse       - Place HL7v2 message, return structure as JSON
//	POST /api/v1/hl7v2/ack         - Place HL7v2 message, return ER7 acknowledgment
//	GET  /api/v1/hl7v2/structures  - List registered message structures
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/hl7v2/parse", h.ParseMessage)
	g.POST("/hl7v2/ack", h.Acknowledge)
	g.GET("/hl7v2/structures", h.ListStructures)
}

// ParseMessage handles POST /api/v1/hl7v2/parse. The query parameter
// strict=true reports segments without a place instead of adding them as
// non-standard segments.
func (h *Handler) ParseMessage(c echo.Context) error {
	msg, err := readMessage(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	placer := h.placer
	if strict, _ := strconv.ParseBool(c.QueryParam("strict")); strict {
		placer = placer.Strict()
	}

	logger := middleware.RequestLogger(c, h.logger)
	res, err := placer.Place(msg)
	if err != nil {
		logger.Warn().Err(err).Str("control_id", msg.ControlID).Msg("placement failed")
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{
			"error": "failed to place HL7v2 message: " + err.Error(),
		})
	}
	logger.Debug().
		Str("control_id", msg.ControlID).
		Str("structure", res.Structure).
		Strs("unplaced", res.Unplaced).
		Strs("nonstandard", res.Nonstandard).
		Msg("message placed")

	return c.JSON(http.StatusOK, map[string]interface{}{
		"type":         msg.Type,
		"controlId":    msg.ControlID,
		"version":      msg.Version,
		"timestamp":    msg.Timestamp.Format("2006-01-02T15:04:05Z"),
		"sendingApp":   msg.SendingApp,
		"sendingFac":   msg.SendingFac,
		"receivingApp": msg.ReceivingApp,
		"receivingFac": msg.ReceivingFac,
		"structure":    res.Structure,
		"complete":     res.Complete(),
		"unplaced":     res.Unplaced,
		"nonstandard":  res.Nonstandard,
		"tree":         res.TreeJSON(),
	})
}

// Acknowledge handles POST /api/v1/hl7v2/ack and returns the ACK an MLLP
// peer would receive, as text/plain.
func (h *Handler) Acknowledge(c echo.Context) error {
	msg, err := readMessage(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	var ack *Message
	if res, err := h.placer.Place(msg); err != nil {
		middleware.RequestLogger(c, h.logger).Warn().Err(err).Str("control_id", msg.ControlID).Msg("placement failed")
		ack = RejectACK(msg, err)
	} else {
		ack = PlacementACK(res)
	}
	return c.Blob(http.StatusOK, "text/plain", SerializeMessage(ack))
}

// ListStructures handles GET /api/v1/hl7v2/structures.
func (h *Handler) ListStructures(c echo.Context) error {
	reg := h.placer.Registry()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"structures": reg.Names(),
		"aliases":    reg.Aliases(),
	})
}

func readMessage(c echo.Context) (*Message, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, errors.New("failed to read request body")
	}
	if len(body) == 0 {
		return nil, errors.New("request body is empty")
	}
	msg, err := Parse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HL7v2 message: %w", err)
	}
	return msg, nil
}
