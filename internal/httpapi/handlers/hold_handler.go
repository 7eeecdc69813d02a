package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dispatch/internal/hold"
	"dispatch/internal/httpapi/middleware"
	"dispatch/internal/types"
)

type HoldHandler struct {
	holds *hold.Service
}

func NewHoldHandler(holds *hold.Service) *HoldHandler {
	return &HoldHandler{holds: holds}
}

type createHoldReq struct {
	OrderID        string `json:"order_id" binding:"required"`
	VehicleType    string `json:"vehicle_type" binding:"required"`
	VehicleSubtype string `json:"vehicle_subtype" binding:"required"`
	Quantity       int    `json:"quantity" binding:"required"`
}

func (h *HoldHandler) Create(c *gin.Context) {
	var req createHoldReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	orderID, err := types.ParseOrderID(req.OrderID)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return
	}
	transporterID, err := types.ParseUserID(middleware.CallerUID(c))
	if err != nil {
		writeError(c, http.StatusBadRequest, "caller uid is not a valid user id")
		return
	}

	hld, err := h.holds.Hold(c.Request.Context(), transporterID, orderID, req.VehicleType, req.VehicleSubtype, req.Quantity)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"hold": hld})
}

type vehicleBindingReq struct {
	TruckRequestID string `json:"truck_request_id" binding:"required"`
	VehicleID      string `json:"vehicle_id" binding:"required"`
	DriverID       string `json:"driver_id" binding:"required"`
}

type confirmHoldReq struct {
	Bindings []vehicleBindingReq `json:"bindings" binding:"required,min=1"`
}

func (h *HoldHandler) Confirm(c *gin.Context) {
	holdID, err := types.ParseHoldID(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid hold id")
		return
	}
	transporterID, err := types.ParseUserID(middleware.CallerUID(c))
	if err != nil {
		writeError(c, http.StatusBadRequest, "caller uid is not a valid user id")
		return
	}

	var req confirmHoldReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	bindings := make([]hold.VehicleBinding, len(req.Bindings))
	for i, b := range req.Bindings {
		trID, err := types.ParseTruckRequestID(b.TruckRequestID)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid truck_request_id")
			return
		}
		vehicleID, err := types.ParseVehicleID(b.VehicleID)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid vehicle_id")
			return
		}
		driverID, err := types.ParseUserID(b.DriverID)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid driver_id")
			return
		}
		bindings[i] = hold.VehicleBinding{TruckRequestID: trID, VehicleID: vehicleID, DriverID: driverID}
	}

	confirmed, err := h.holds.ConfirmHoldWithAssignments(c.Request.Context(), holdID, transporterID, bindings)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	assignmentIDs := make([]string, len(confirmed))
	tripIDs := make([]string, len(confirmed))
	for i, ca := range confirmed {
		assignmentIDs[i] = ca.AssignmentID.String()
		tripIDs[i] = ca.TripID.String()
	}
	writeJSON(c, http.StatusOK, gin.H{"assignmentIds": assignmentIDs, "tripIds": tripIDs})
}

func (h *HoldHandler) Release(c *gin.Context) {
	holdID, err := types.ParseHoldID(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid hold id")
		return
	}
	transporterID, err := types.ParseUserID(middleware.CallerUID(c))
	if err != nil {
		writeError(c, http.StatusBadRequest, "caller uid is not a valid user id")
		return
	}
	if err := h.holds.ReleaseHold(c.Request.Context(), holdID, transporterID); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "released"})
}

func (h *HoldHandler) Availability(c *gin.Context) {
	orderID, err := types.ParseOrderID(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return
	}
	avail, err := h.holds.GetOrderAvailability(c.Request.Context(), orderID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	groups := make([]gin.H, len(avail.Groups))
	for i, g := range avail.Groups {
		groups[i] = gin.H{
			"vehicleType":    g.VehicleType,
			"vehicleSubtype": g.VehicleSubtype,
			"totalNeeded":    g.TotalNeeded,
			"available":      g.Available,
			"held":           g.Held,
			"assigned":       g.Assigned,
			"farePerTruck":   g.FarePerTruck,
		}
	}
	writeJSON(c, http.StatusOK, gin.H{"groups": groups, "isFullyAssigned": avail.IsFullyAssigned})
}
