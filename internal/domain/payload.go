package domain

// WebhookPayload is the JSON body posted to webhook destinations.
type WebhookPayload struct {
	ReminderID        string            `json:"reminderId"`
	TutorName         string            `json:"tutorName"`
	PetName           string            `json:"petName"`
	PetBreed          string            `json:"petBreed"`
	PhoneNumber       string            `json:"phoneNumber"`
	EventType         EventType         `json:"eventType"`
	EventDescription  string            `json:"eventDescription"`
	MedicationProduct MedicationProduct `json:"medicationProduct"`
}

type MedicationProduct struct {
	Title          string        `json:"title"`
	Quantity       string        `json:"quantity"`
	FrequencyValue int           `json:"frequencyValue"`
	FrequencyUnit  FrequencyUnit `json:"frequencyUnit"`
	Duration       int           `json:"duration"`
	DurationUnit   DurationUnit  `json:"durationUnit"`
	StartDateTime  string        `json:"startDateTime"`
	EndDateTime    string        `json:"endDateTime,omitempty"`
}
