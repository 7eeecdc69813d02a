package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dispatch/internal/fleet"
	"dispatch/internal/httpapi/middleware"
	"dispatch/internal/routeprogress"
	"dispatch/internal/types"
)

type RouteHandler struct {
	routes *routeprogress.Service
	fleet  *fleet.Store
}

func NewRouteHandler(routes *routeprogress.Service, fleetStore *fleet.Store) *RouteHandler {
	return &RouteHandler{routes: routes, fleet: fleetStore}
}

type stopEventReq struct {
	StopIndex int `json:"stop_index"`
}

func (h *RouteHandler) Reached(c *gin.Context) {
	orderID, err := types.ParseOrderID(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return
	}
	var req stopEventReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	driverID, err := types.ParseUserID(middleware.CallerUID(c))
	if err != nil {
		writeError(c, http.StatusBadRequest, "caller uid is not a valid user id")
		return
	}
	if err := h.routes.ReachedStop(c.Request.Context(), orderID, req.StopIndex, driverID); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "reached"})
}

func (h *RouteHandler) Departed(c *gin.Context) {
	orderID, err := types.ParseOrderID(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return
	}
	var req stopEventReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	driverID, err := types.ParseUserID(middleware.CallerUID(c))
	if err != nil {
		writeError(c, http.StatusBadRequest, "caller uid is not a valid user id")
		return
	}
	if err := h.routes.DepartedStop(c.Request.Context(), orderID, req.StopIndex, driverID); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "departed"})
}

func (h *RouteHandler) Get(c *gin.Context) {
	orderID, err := types.ParseOrderID(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return
	}
	o, err := h.routes.GetRoute(c.Request.Context(), orderID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"order": o})
}
