package model

import "time"

// QueueEntry is an attendance record waiting in the offline queue.
// The record fields are flattened next to the queue metadata when encoded.
type QueueEntry struct {
	ID         string    `json:"queue_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	AttendanceRecord
}

// QueuedAttendance is the database row backing a QueueEntry.
type QueuedAttendance struct {
	QueueID    string    `gorm:"primaryKey;size:36"`
	EnqueuedAt time.Time `gorm:"not null;index"`
	ScheduleID int64     `gorm:"not null"`
	Student    string    `gorm:"size:128;not null"`
	CourseID   int64     `gorm:"not null"`
	Date       string    `gorm:"size:10;not null"`
	Time       string    `gorm:"size:15;not null"`
	Status     string    `gorm:"size:32;not null"`
	Device     string    `gorm:"size:64;not null"`
}

// SentRecord is the database row backing one element of a day's sent-record set.
type SentRecord struct {
	Day        string    `gorm:"primaryKey;size:10"`
	Label      string    `gorm:"primaryKey;size:128"`
	CourseID   int64     `gorm:"primaryKey;autoIncrement:false"`
	ScheduleID int64     `gorm:"primaryKey;autoIncrement:false"`
	CreatedAt  time.Time `gorm:"not null"`
}

// SentWindow records which schedule window the sent-record set of a day belongs to.
type SentWindow struct {
	Day       string    `gorm:"primaryKey;size:10"`
	WindowKey string    `gorm:"size:64;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// ToEntry converts the row back into a queue entry.
func (q QueuedAttendance) ToEntry() QueueEntry {
	return QueueEntry{
		ID:         q.QueueID,
		EnqueuedAt: q.EnqueuedAt,
		AttendanceRecord: AttendanceRecord{
			Schedule: q.ScheduleID,
			Student:  q.Student,
			Course:   q.CourseID,
			Date:     q.Date,
			Time:     q.Time,
			Status:   q.Status,
			Device:   q.Device,
		},
	}
}

// NewQueuedAttendance converts a queue entry into its row.
func NewQueuedAttendance(e QueueEntry) QueuedAttendance {
	return QueuedAttendance{
		QueueID:    e.ID,
		EnqueuedAt: e.EnqueuedAt,
		ScheduleID: e.Schedule,
		Student:    e.Student,
		CourseID:   e.Course,
		Date:       e.Date,
		Time:       e.Time,
		Status:     e.Status,
		Device:     e.Device,
	}
}
