package model

// ScheduleEntry is one weekly slot during which a course is taught in front of this device.
type ScheduleEntry struct {
	ID        int64  `json:"id"`
	CourseID  int64  `json:"course"`
	DayOfWeek string `json:"day_of_week"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// Course is the remote course metadata. ModelVersion is nil when no model was trained yet.
type Course struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	ModelVersion *int   `json:"model_version"`
}
