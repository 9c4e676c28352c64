package matching

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/richxcame/ride-matching/internal/geo"
	"github.com/richxcame/ride-matching/pkg/common"
	"github.com/richxcame/ride-matching/pkg/middleware"
)

// defaultNearbyRadiusMeters applies when the caller sends no radius
const defaultNearbyRadiusMeters = 5000

// MatchingService is the surface the HTTP handler drives
type MatchingService interface {
	CreateRequest(ctx context.Context, in CreateRequestInput) (*CreateRequestResult, error)
	AcceptRequest(ctx context.Context, driverID, requestID uuid.UUID) (*AcceptResult, error)
	AcceptGroupedRequests(ctx context.Context, driverID uuid.UUID, requestIDs []uuid.UUID) (*AcceptResult, error)
	FindNearbyRequests(ctx context.Context, vehicleType VehicleType, origin geo.Point, radiusMeters float64) ([]*NearbyRequest, error)
	FindNearbyRequestsForDriver(ctx context.Context, driverID uuid.UUID, vehicleType VehicleType, radiusMeters float64) ([]*NearbyRequest, error)
	CreateSchedule(ctx context.Context, in CreateScheduleInput) (*DriverSchedule, error)
	GetDriverSchedules(ctx context.Context, driverID uuid.UUID) ([]*DriverSchedule, error)
	CancelSchedule(ctx context.Context, driverID, scheduleID uuid.UUID) error
	UpdateDriverStatus(ctx context.Context, in DriverStatusInput) (*DriverPresence, error)
	StartRide(ctx context.Context, driverID, rideID uuid.UUID, shortCode string) (*Ride, error)
	CompleteRide(ctx context.Context, driverID, rideID uuid.UUID) (*Ride, error)
	CancelBooking(ctx context.Context, passengerID, rideID uuid.UUID) error
}

// Handler handles HTTP requests for ride matching
type Handler struct {
	service MatchingService
}

// NewHandler creates a new matching handler
func NewHandler(service MatchingService) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers matching routes
func (h *Handler) RegisterRoutes(r *gin.Engine, jwtSecret string) {
	api := r.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(jwtSecret))
	{
		api.POST("/requests", middleware.RequireRole(middleware.RolePassenger), h.CreateRequest)
		api.POST("/rides/:id/cancel-booking", middleware.RequireRole(middleware.RolePassenger), h.CancelBooking)
	}

	driver := api.Group("/driver")
	driver.Use(middleware.RequireRole(middleware.RoleDriver))
	{
		driver.POST("/requests/:id/accept", h.AcceptRequest)
		driver.POST("/requests/accept-group", h.AcceptGroupedRequests)
		driver.GET("/requests/nearby", h.FindNearbyRequests)

		driver.GET("/schedules", h.GetDriverSchedules)
		driver.POST("/schedules", h.CreateSchedule)
		driver.DELETE("/schedules/:id", h.CancelSchedule)

		driver.PUT("/status", h.UpdateDriverStatus)

		driver.POST("/rides/:id/start", h.StartRide)
		driver.POST("/rides/:id/complete", h.CompleteRide)
	}
}

type createRequestBody struct {
	VehicleType     string     `json:"vehicle_type" validate:"required,vehicle_type"`
	RideType        string     `json:"ride_type" validate:"omitempty,oneof=SHARED PRIVATE"`
	StartJunctionID *uuid.UUID `json:"start_junction_id"`
	EndJunctionID   *uuid.UUID `json:"end_junction_id"`
	StartLatitude   *float64   `json:"start_latitude" validate:"omitempty,latitude"`
	StartLongitude  *float64   `json:"start_longitude" validate:"omitempty,longitude"`
	EndLatitude     *float64   `json:"end_latitude" validate:"omitempty,latitude"`
	EndLongitude    *float64   `json:"end_longitude" validate:"omitempty,longitude"`
	ScheduledFor    *time.Time `json:"scheduled_for"`
	IsChartered     bool       `json:"is_chartered"`
}

// route picks the route shape from whichever fields were sent
func (b *createRequestBody) route() Route {
	if b.StartJunctionID != nil && b.EndJunctionID != nil {
		return JunctionRoute{StartJunctionID: *b.StartJunctionID, EndJunctionID: *b.EndJunctionID}
	}
	if b.StartLatitude != nil && b.StartLongitude != nil && b.EndLatitude != nil && b.EndLongitude != nil {
		return GeoRoute{
			Start: geo.Point{Latitude: *b.StartLatitude, Longitude: *b.StartLongitude},
			End:   geo.Point{Latitude: *b.EndLatitude, Longitude: *b.EndLongitude},
		}
	}
	return nil
}

type acceptGroupBody struct {
	RequestIDs []uuid.UUID `json:"request_ids" validate:"required,min=1"`
}

type nearbyQuery struct {
	VehicleType string   `form:"vehicle_type" validate:"required,vehicle_type"`
	Latitude    *float64 `form:"latitude" validate:"omitempty,latitude"`
	Longitude   *float64 `form:"longitude" validate:"omitempty,longitude"`
	Radius      *float64 `form:"radius"`
}

type createScheduleBody struct {
	StartJunctionID uuid.UUID `json:"start_junction_id" validate:"required"`
	EndJunctionID   uuid.UUID `json:"end_junction_id" validate:"required"`
	DepartureTime   time.Time `json:"departure_time" validate:"required"`
	Capacity        int       `json:"capacity" validate:"omitempty,min=1,max=4"`
}

type driverStatusBody struct {
	VehicleType string   `json:"vehicle_type" validate:"required,vehicle_type"`
	IsOnline    bool     `json:"is_online"`
	IsAvailable bool     `json:"is_available"`
	Latitude    *float64 `json:"latitude" validate:"omitempty,latitude"`
	Longitude   *float64 `json:"longitude" validate:"omitempty,longitude"`
}

type startRideBody struct {
	ShortCode string `json:"short_code" validate:"required,len=4,numeric"`
}

// CreateRequest handles a passenger asking for a ride
func (h *Handler) CreateRequest(c *gin.Context) {
	passengerID, ok := callerID(c)
	if !ok {
		return
	}

	var body createRequestBody
	if !middleware.ValidateAndBind(c, &body) {
		return
	}

	result, err := h.service.CreateRequest(c.Request.Context(), CreateRequestInput{
		PassengerID:  passengerID,
		VehicleType:  VehicleType(body.VehicleType),
		RideType:     RideType(body.RideType),
		Route:        body.route(),
		ScheduledFor: body.ScheduledFor,
		IsChartered:  body.IsChartered,
	})
	if err != nil {
		respondError(c, err, "failed to create ride request")
		return
	}

	common.CreatedResponse(c, result)
}

// AcceptRequest handles a driver accepting one request
func (h *Handler) AcceptRequest(c *gin.Context) {
	driverID, ok := callerID(c)
	if !ok {
		return
	}
	requestID, ok := pathID(c, "invalid request ID")
	if !ok {
		return
	}

	result, err := h.service.AcceptRequest(c.Request.Context(), driverID, requestID)
	if err != nil {
		respondError(c, err, "failed to accept ride request")
		return
	}

	common.SuccessResponse(c, result)
}

// AcceptGroupedRequests handles a driver accepting a broadcast bundle
func (h *Handler) AcceptGroupedRequests(c *gin.Context) {
	driverID, ok := callerID(c)
	if !ok {
		return
	}

	var body acceptGroupBody
	if !middleware.ValidateAndBind(c, &body) {
		return
	}

	result, err := h.service.AcceptGroupedRequests(c.Request.Context(), driverID, body.RequestIDs)
	if err != nil {
		respondError(c, err, "failed to accept grouped requests")
		return
	}

	common.SuccessResponse(c, result)
}

// FindNearbyRequests lists free-form requests around the driver
func (h *Handler) FindNearbyRequests(c *gin.Context) {
	driverID, ok := callerID(c)
	if !ok {
		return
	}

	var query nearbyQuery
	if !middleware.ValidateAndBindQuery(c, &query) {
		return
	}

	radius := float64(defaultNearbyRadiusMeters)
	if query.Radius != nil {
		radius = *query.Radius
	}

	var (
		requests []*NearbyRequest
		err      error
	)
	vehicleType := VehicleType(query.VehicleType)
	if query.Latitude != nil && query.Longitude != nil {
		origin := geo.Point{Latitude: *query.Latitude, Longitude: *query.Longitude}
		requests, err = h.service.FindNearbyRequests(c.Request.Context(), vehicleType, origin, radius)
	} else {
		requests, err = h.service.FindNearbyRequestsForDriver(c.Request.Context(), driverID, vehicleType, radius)
	}
	if err != nil {
		respondError(c, err, "failed to find nearby requests")
		return
	}

	common.SuccessResponse(c, gin.H{
		"requests": requests,
		"count":    len(requests),
	})
}

// GetDriverSchedules lists the caller's upcoming schedules
func (h *Handler) GetDriverSchedules(c *gin.Context) {
	driverID, ok := callerID(c)
	if !ok {
		return
	}

	schedules, err := h.service.GetDriverSchedules(c.Request.Context(), driverID)
	if err != nil {
		respondError(c, err, "failed to get schedules")
		return
	}

	common.SuccessResponse(c, schedules)
}

// CreateSchedule handles a driver posting a schedule
func (h *Handler) CreateSchedule(c *gin.Context) {
	driverID, ok := callerID(c)
	if !ok {
		return
	}

	var body createScheduleBody
	if !middleware.ValidateAndBind(c, &body) {
		return
	}

	schedule, err := h.service.CreateSchedule(c.Request.Context(), CreateScheduleInput{
		DriverID:      driverID,
		Route:         JunctionRoute{StartJunctionID: body.StartJunctionID, EndJunctionID: body.EndJunctionID},
		DepartureTime: body.DepartureTime,
		Capacity:      body.Capacity,
	})
	if err != nil {
		respondError(c, err, "failed to create schedule")
		return
	}

	common.CreatedResponse(c, schedule)
}

// CancelSchedule handles a driver withdrawing a schedule
func (h *Handler) CancelSchedule(c *gin.Context) {
	driverID, ok := callerID(c)
	if !ok {
		return
	}
	scheduleID, ok := pathID(c, "invalid schedule ID")
	if !ok {
		return
	}

	if err := h.service.CancelSchedule(c.Request.Context(), driverID, scheduleID); err != nil {
		respondError(c, err, "failed to cancel schedule")
		return
	}

	common.SuccessResponseWithStatus(c, http.StatusOK, nil, "schedule cancelled")
}

// UpdateDriverStatus handles a driver presence ping
func (h *Handler) UpdateDriverStatus(c *gin.Context) {
	driverID, ok := callerID(c)
	if !ok {
		return
	}

	var body driverStatusBody
	if !middleware.ValidateAndBind(c, &body) {
		return
	}

	presence, err := h.service.UpdateDriverStatus(c.Request.Context(), DriverStatusInput{
		DriverID:    driverID,
		VehicleType: VehicleType(body.VehicleType),
		IsOnline:    body.IsOnline,
		IsAvailable: body.IsAvailable,
		Latitude:    body.Latitude,
		Longitude:   body.Longitude,
	})
	if err != nil {
		respondError(c, err, "failed to update driver status")
		return
	}

	common.SuccessResponse(c, presence)
}

// StartRide handles a driver starting a ride with its short code
func (h *Handler) StartRide(c *gin.Context) {
	driverID, ok := callerID(c)
	if !ok {
		return
	}
	rideID, ok := pathID(c, "invalid ride ID")
	if !ok {
		return
	}

	var body startRideBody
	if !middleware.ValidateAndBind(c, &body) {
		return
	}

	ride, err := h.service.StartRide(c.Request.Context(), driverID, rideID, body.ShortCode)
	if err != nil {
		respondError(c, err, "failed to start ride")
		return
	}

	common.SuccessResponse(c, ride)
}

// CompleteRide handles a driver finishing a ride
func (h *Handler) CompleteRide(c *gin.Context) {
	driverID, ok := callerID(c)
	if !ok {
		return
	}
	rideID, ok := pathID(c, "invalid ride ID")
	if !ok {
		return
	}

	ride, err := h.service.CompleteRide(c.Request.Context(), driverID, rideID)
	if err != nil {
		respondError(c, err, "failed to complete ride")
		return
	}

	common.SuccessResponse(c, ride)
}

// CancelBooking handles a passenger giving up their seat
func (h *Handler) CancelBooking(c *gin.Context) {
	passengerID, ok := callerID(c)
	if !ok {
		return
	}
	rideID, ok := pathID(c, "invalid ride ID")
	if !ok {
		return
	}

	if err := h.service.CancelBooking(c.Request.Context(), passengerID, rideID); err != nil {
		respondError(c, err, "failed to cancel booking")
		return
	}

	common.SuccessResponseWithStatus(c, http.StatusOK, nil, "booking cancelled")
}

func callerID(c *gin.Context) (uuid.UUID, bool) {
	id, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return uuid.Nil, false
	}
	return id, true
}

func pathID(c *gin.Context, message string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, message)
		return uuid.Nil, false
	}
	return id, true
}

func respondError(c *gin.Context, err error, fallback string) {
	if appErr, ok := common.AsAppError(err); ok {
		common.AppErrorResponse(c, appErr)
		return
	}
	common.ErrorResponse(c, http.StatusInternalServerError, fallback)
}
