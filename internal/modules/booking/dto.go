package booking

import "time"

type CreateBookingRequest struct {
	ListingID int64     `json:"listing_id" binding:"required" validate:"required,gt=0"`
	StartDate time.Time `json:"start_date" binding:"required" validate:"required"`
	EndDate   time.Time `json:"end_date" binding:"required" validate:"required"`
	Message   string    `json:"message" validate:"max=1000"`
}

type RespondRequest struct {
	Decision string `json:"decision" binding:"required" validate:"required,oneof=approve reject"`
	Message  string `json:"message" validate:"max=1000"`
}

type CancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type ListQuery struct {
	As     string `form:"as" validate:"omitempty,oneof=renter owner"`
	Status string `form:"status" validate:"omitempty,oneof=pending approved rejected cancelled completed"`
	Limit  int    `form:"limit" validate:"omitempty,min=1,max=100"`
	Offset int    `form:"offset" validate:"omitempty,min=0"`
}
