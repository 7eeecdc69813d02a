package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dispatch/internal/fleet"
	"dispatch/internal/httpapi/middleware"
	"dispatch/internal/types"
)

type FleetHandler struct {
	fleet *fleet.Store
}

func NewFleetHandler(fleetStore *fleet.Store) *FleetHandler {
	return &FleetHandler{fleet: fleetStore}
}

type registerUserReq struct {
	Role        string `json:"role" binding:"required"`
	Phone       string `json:"phone" binding:"required"`
	DisplayName string `json:"display_name" binding:"required"`
}

// RegisterUser upserts the caller's profile the first time a verified
// Firebase UID is seen, tying it to the UserID the rest of the dispatch
// core operates on.
func (h *FleetHandler) RegisterUser(c *gin.Context) {
	var req registerUserReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	firebaseUID := middleware.CallerUID(c)
	if existing, err := h.fleet.GetUserByFirebaseUID(c.Request.Context(), firebaseUID); err == nil {
		writeJSON(c, http.StatusOK, gin.H{"user": existing})
		return
	}

	u := &fleet.User{
		ID:          types.NewUserID(),
		FirebaseUID: firebaseUID,
		Role:        fleet.Role(req.Role),
		Phone:       req.Phone,
		DisplayName: req.DisplayName,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.fleet.CreateUser(c.Request.Context(), u); err != nil {
		writeError(c, http.StatusInternalServerError, "could not register user")
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"user": u})
}

type updateFCMTokenReq struct {
	Token string `json:"token" binding:"required"`
}

func (h *FleetHandler) UpdateFCMToken(c *gin.Context) {
	var req updateFCMTokenReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	userID, err := types.ParseUserID(middleware.CallerUID(c))
	if err != nil {
		writeError(c, http.StatusBadRequest, "caller uid is not a valid user id")
		return
	}
	if err := h.fleet.UpdateFCMToken(c.Request.Context(), userID, req.Token); err != nil {
		writeError(c, http.StatusInternalServerError, "could not update fcm token")
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "updated"})
}

type registerVehicleReq struct {
	VehicleNumber   string `json:"vehicle_number" binding:"required"`
	VehicleType     string `json:"vehicle_type" binding:"required"`
	VehicleSubtype  string `json:"vehicle_subtype" binding:"required"`
	DefaultDriverID string `json:"default_driver_id"`
}

func (h *FleetHandler) RegisterVehicle(c *gin.Context) {
	var req registerVehicleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	transporterID, err := types.ParseUserID(middleware.CallerUID(c))
	if err != nil {
		writeError(c, http.StatusBadRequest, "caller uid is not a valid user id")
		return
	}

	var defaultDriverID *types.UserID
	if req.DefaultDriverID != "" {
		id, err := types.ParseUserID(req.DefaultDriverID)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid default_driver_id")
			return
		}
		defaultDriverID = &id
	}

	v := &fleet.Vehicle{
		ID:              types.NewVehicleID(),
		TransporterID:   transporterID,
		VehicleNumber:   req.VehicleNumber,
		VehicleType:     req.VehicleType,
		VehicleSubtype:  req.VehicleSubtype,
		Status:          fleet.VehicleOffline,
		StatusVersion:   0,
		DefaultDriverID: defaultDriverID,
		CreatedAt:       time.Now().UTC(),
	}
	if err := h.fleet.CreateVehicle(c.Request.Context(), v); err != nil {
		writeError(c, http.StatusInternalServerError, "could not register vehicle")
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"vehicle": v})
}

func (h *FleetHandler) ListMyVehicles(c *gin.Context) {
	transporterID, err := types.ParseUserID(middleware.CallerUID(c))
	if err != nil {
		writeError(c, http.StatusBadRequest, "caller uid is not a valid user id")
		return
	}
	vehicles, err := h.fleet.ListVehiclesByTransporter(c.Request.Context(), transporterID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "could not list vehicles")
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"vehicles": vehicles})
}

type setVehicleStatusReq struct {
	Status string `json:"status" binding:"required"`
}

func (h *FleetHandler) SetVehicleStatus(c *gin.Context) {
	vehicleID, err := types.ParseVehicleID(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid vehicle id")
		return
	}
	var req setVehicleStatusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	v, err := h.fleet.GetVehicle(c.Request.Context(), vehicleID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	callerID, err := types.ParseUserID(middleware.CallerUID(c))
	if err != nil || v.TransporterID != callerID {
		writeError(c, http.StatusForbidden, "caller does not own this vehicle")
		return
	}

	ok, err := h.fleet.SetVehicleStatus(c.Request.Context(), vehicleID, v.Status, fleet.VehicleStatus(req.Status), v.StatusVersion)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "could not update vehicle status")
		return
	}
	if !ok {
		writeError(c, http.StatusConflict, "vehicle status changed concurrently")
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": req.Status})
}
