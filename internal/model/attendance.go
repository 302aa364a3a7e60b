package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// StatusPresent is the only status the device reports.
const StatusPresent = "present"

const (
	recordDateLayout = "2006-01-02"
	recordTimeLayout = "15:04:05"
)

// AttendanceRecord is the payload posted to /api/attendance/.
type AttendanceRecord struct {
	Schedule int64  `json:"schedule" validate:"required"`
	Student  string `json:"student" validate:"required"`
	Course   int64  `json:"course" validate:"required"`
	Date     string `json:"date" validate:"required"`
	Time     string `json:"time" validate:"required"`
	Status   string `json:"status" validate:"required"`
	Device   string `json:"device" validate:"required"`
}

// NewAttendanceRecord stamps a "present" record for label at the given instant.
func NewAttendanceRecord(label string, courseID, scheduleID int64, deviceID string, at time.Time) AttendanceRecord {
	return AttendanceRecord{
		Schedule: scheduleID,
		Student:  label,
		Course:   courseID,
		Date:     at.Format(recordDateLayout),
		Time:     at.Format(recordTimeLayout),
		Status:   StatusPresent,
		Device:   deviceID,
	}
}

// Key returns the dedup identity of the record.
func (r AttendanceRecord) Key() SentKey {
	return SentKey{Label: r.Student, CourseID: r.Course, ScheduleID: r.Schedule}
}

// SentKey identifies an attendance already delivered: (label, course, schedule).
// It is encoded as a JSON triple, e.g. ["alice", 3, 17].
type SentKey struct {
	Label      string
	CourseID   int64
	ScheduleID int64
}

// String is used in log fields.
func (k SentKey) String() string {
	return fmt.Sprintf("%s/%d/%d", k.Label, k.CourseID, k.ScheduleID)
}

// MarshalJSON encodes the key as [label, course, schedule].
func (k SentKey) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{k.Label, k.CourseID, k.ScheduleID})
}

// UnmarshalJSON decodes a [label, course, schedule] triple.
func (k *SentKey) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("sent key: expected 3 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &k.Label); err != nil {
		return fmt.Errorf("sent key label: %w", err)
	}
	if err := json.Unmarshal(raw[1], &k.CourseID); err != nil {
		return fmt.Errorf("sent key course: %w", err)
	}
	if err := json.Unmarshal(raw[2], &k.ScheduleID); err != nil {
		return fmt.Errorf("sent key schedule: %w", err)
	}
	return nil
}
