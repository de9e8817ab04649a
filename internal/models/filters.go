package models

// TripFilter represents filter parameters for querying trips
type TripFilter struct {
	State     string `form:"state"`     // ACTIVE, PENDING_END, COMPLETED
	StartTime int64  `form:"startTime"` // Unix millis
	EndTime   int64  `form:"endTime"`   // Unix millis
	Synced    *bool  `form:"synced"`
	Page      int    `form:"page"`
	PageSize  int    `form:"pageSize"`
}

// EventFilter represents filter parameters for querying movement events
type EventFilter struct {
	TripID    string `form:"tripId"`
	StartTime int64  `form:"startTime"` // Unix millis
	EndTime   int64  `form:"endTime"`   // Unix millis
	Synced    *bool  `form:"synced"`
	Limit     int    `form:"limit"` // Max results
}
