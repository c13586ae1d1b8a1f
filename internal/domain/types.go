package domain

import "time"

type FrequencyUnit string

const (
	FrequencyMinutes FrequencyUnit = "minutos"
	FrequencyHours   FrequencyUnit = "horas"
	FrequencyDays    FrequencyUnit = "dias"
)

type DurationUnit string

const (
	DurationDays   DurationUnit = "dias"
	DurationWeeks  DurationUnit = "semanas"
	DurationMonths DurationUnit = "meses"
)

// Medication is one medication line of a reminder. EndAt is derived from
// StartAt and the duration, snapped back to the last completed dose.
type Medication struct {
	Title          string        `json:"title"`
	Quantity       string        `json:"quantity"`
	FrequencyValue int           `json:"frequencyValue"`
	FrequencyUnit  FrequencyUnit `json:"frequencyUnit"`
	DurationValue  int           `json:"duration"`
	DurationUnit   DurationUnit  `json:"durationUnit"`
	StartAt        time.Time     `json:"startDateTime"`
	EndAt          *time.Time    `json:"endDateTime,omitempty"`
}

// Reminder is a pet's treatment plan. Revision increments on every persisted
// change and is what pending tasks are checked against.
type Reminder struct {
	ID            string       `json:"id"`
	TutorName     string       `json:"tutorName"`
	PetName       string       `json:"petName"`
	PetBreed      string       `json:"petBreed"`
	PhoneNumber   string       `json:"phoneNumber"`
	Medications   []Medication `json:"medications"`
	IsActive      bool         `json:"isActive"`
	Revision      int64        `json:"revision"`
	WebhookURL    string       `json:"webhookUrl,omitempty"`
	WebhookSecret string       `json:"-"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// Destination is where a webhook is delivered. Secret is sent verbatim in a header.
type Destination struct {
	URL    string
	Secret string
}

// ScheduledTask is a single pending dose notification.
type ScheduledTask struct {
	ID              string
	ReminderID      string
	MedicationIndex int
	DueAt           time.Time
	Destination     Destination
	// Revision is the reminder's revision at scheduling time.
	Revision int64
}

// DeliveryRecord is one row of the append-only webhook delivery log.
type DeliveryRecord struct {
	ID           string    `json:"id"`
	ReminderID   string    `json:"reminderId"`
	EventType    EventType `json:"eventType"`
	Payload      []byte    `json:"payload"`
	StatusCode   int       `json:"statusCode"`
	ResponseBody string    `json:"responseBody"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}
