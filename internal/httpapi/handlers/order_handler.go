package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dispatch/internal/httpapi/middleware"
	"dispatch/internal/order"
	"dispatch/internal/types"
)

type OrderHandler struct {
	orders *order.Service
}

func NewOrderHandler(orders *order.Service) *OrderHandler {
	return &OrderHandler{orders: orders}
}

type demandLineReq struct {
	VehicleType    string `json:"vehicle_type" binding:"required"`
	VehicleSubtype string `json:"vehicle_subtype" binding:"required"`
	Quantity       int    `json:"quantity" binding:"required"`
	PricePerTruck  int64  `json:"price_per_truck" binding:"required"`
	Currency       string `json:"currency"`
}

type routePointReq struct {
	Type    string  `json:"type" binding:"required"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

type createOrderReq struct {
	CustomerPhone  string           `json:"customer_phone" binding:"required"`
	PickupLat      float64          `json:"pickup_lat"`
	PickupLng      float64          `json:"pickup_lng"`
	DropLat        float64          `json:"drop_lat"`
	DropLng        float64          `json:"drop_lng"`
	RoutePoints    []routePointReq  `json:"route_points"`
	DistanceKm     float64          `json:"distance_km"`
	GoodsType      string           `json:"goods_type"`
	CargoWeightKg  float64          `json:"cargo_weight_kg"`
	Demand         []demandLineReq  `json:"demand" binding:"required,min=1"`
	ScheduledAt    *time.Time       `json:"scheduled_at"`
	IdempotencyKey string           `json:"idempotency_key"`
}

func (h *OrderHandler) Create(c *gin.Context) {
	var req createOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	customerID, err := types.ParseUserID(middleware.CallerUID(c))
	if err != nil {
		writeError(c, http.StatusBadRequest, "caller uid is not a valid user id")
		return
	}

	demand := make([]order.DemandLine, len(req.Demand))
	for i, d := range req.Demand {
		currency := d.Currency
		if currency == "" {
			currency = "INR"
		}
		demand[i] = order.DemandLine{
			VehicleType:    d.VehicleType,
			VehicleSubtype: d.VehicleSubtype,
			Quantity:       d.Quantity,
			PricePerTruck:  types.Money{Amount: d.PricePerTruck, Currency: currency},
		}
	}

	points := make([]types.RoutePoint, len(req.RoutePoints))
	for i, p := range req.RoutePoints {
		points[i] = types.RoutePoint{
			Type:    types.RoutePointType(p.Type),
			Point:   types.Point{Lat: p.Lat, Lng: p.Lng},
			Address: p.Address,
		}
	}

	o, trs, err := h.orders.CreateOrder(c.Request.Context(), order.CreateOrderRequest{
		CustomerID:     customerID,
		CustomerPhone:  req.CustomerPhone,
		Pickup:         types.Point{Lat: req.PickupLat, Lng: req.PickupLng},
		Drop:           types.Point{Lat: req.DropLat, Lng: req.DropLng},
		RoutePoints:    points,
		DistanceKm:     req.DistanceKm,
		GoodsType:      req.GoodsType,
		CargoWeightKg:  req.CargoWeightKg,
		Demand:         demand,
		ScheduledAt:    req.ScheduledAt,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}

	writeJSON(c, http.StatusCreated, gin.H{"order": o, "truck_requests": trs})
}

func (h *OrderHandler) Get(c *gin.Context) {
	orderID, err := types.ParseOrderID(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return
	}
	o, trs, err := h.orders.GetOrderDetails(c.Request.Context(), orderID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"order": o, "truck_requests": trs})
}

func (h *OrderHandler) Cancel(c *gin.Context) {
	orderID, err := types.ParseOrderID(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return
	}
	actorID, err := types.ParseUserID(middleware.CallerUID(c))
	if err != nil {
		writeError(c, http.StatusBadRequest, "caller uid is not a valid user id")
		return
	}
	if err := h.orders.CancelOrder(c.Request.Context(), orderID, actorID); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": order.StatusCancelled})
}

func (h *OrderHandler) ListMine(c *gin.Context) {
	customerID, err := types.ParseUserID(middleware.CallerUID(c))
	if err != nil {
		writeError(c, http.StatusBadRequest, "caller uid is not a valid user id")
		return
	}
	orders, err := h.orders.GetOrdersByCustomer(c.Request.Context(), customerID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"orders": orders})
}

func (h *OrderHandler) ListActiveForTransporter(c *gin.Context) {
	transporterID, err := types.ParseUserID(middleware.CallerUID(c))
	if err != nil {
		writeError(c, http.StatusBadRequest, "caller uid is not a valid user id")
		return
	}
	trs, err := h.orders.GetActiveRequestsForTransporter(c.Request.Context(), transporterID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"truck_requests": trs})
}
