// Package httpapi is the gin-based HTTP control layer over the dispatch
// core's services. It never holds dispatch logic itself — every handler
// parses its request, calls into order/hold/routeprogress/fleet, and maps
// the result onto JSON.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dispatch/internal/fleet"
	"dispatch/internal/hold"
	"dispatch/internal/httpapi/handlers"
	"dispatch/internal/httpapi/middleware"
	"dispatch/internal/infra"
	"dispatch/internal/order"
	"dispatch/internal/routeprogress"
)

// Services bundles every dispatch-core service the router wires into
// handlers.
type Services struct {
	Order         *order.Service
	Hold          *hold.Service
	RouteProgress *routeprogress.Service
	Fleet         *fleet.Store
	Verifier      infra.TokenVerifier
	Logger        *zap.SugaredLogger
}

// NewRouter builds the full gin engine: global middleware, then every
// route group, one per service.
func NewRouter(s Services) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(s.Logger))
	r.Use(middleware.Logging(s.Logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	orderH := handlers.NewOrderHandler(s.Order)
	holdH := handlers.NewHoldHandler(s.Hold)
	routeH := handlers.NewRouteHandler(s.RouteProgress, s.Fleet)
	fleetH := handlers.NewFleetHandler(s.Fleet)

	api := r.Group("/api", middleware.Auth(s.Verifier))
	{
		api.POST("/users/register", fleetH.RegisterUser)
		api.PUT("/users/me/fcm-token", fleetH.UpdateFCMToken)

		api.POST("/vehicles", fleetH.RegisterVehicle)
		api.GET("/vehicles", fleetH.ListMyVehicles)
		api.PUT("/vehicles/:id/status", fleetH.SetVehicleStatus)

		orders := api.Group("/orders")
		{
			orders.POST("", orderH.Create)
			orders.GET("", orderH.ListMine)
			orders.GET("/:id", orderH.Get)
			orders.POST("/:id/cancel", orderH.Cancel)
			orders.GET("/:id/availability", holdH.Availability)
			orders.GET("/:id/route", routeH.Get)
			orders.POST("/:id/route/reached", routeH.Reached)
			orders.POST("/:id/route/departed", routeH.Departed)
		}

		api.GET("/truck-requests/active", orderH.ListActiveForTransporter)

		holds := api.Group("/holds")
		{
			holds.POST("", holdH.Create)
			holds.POST("/:id/confirm", holdH.Confirm)
			holds.POST("/:id/release", holdH.Release)
		}
	}

	return r
}
