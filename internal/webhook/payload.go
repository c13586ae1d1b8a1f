package webhook

import (
	"fmt"
	"time"

	"petdose/internal/domain"
)

// BuildPayload describes event for the medication at medIndex of r.
func BuildPayload(r domain.Reminder, medIndex int, event domain.EventType) domain.WebhookPayload {
	var m domain.Medication
	if medIndex >= 0 && medIndex < len(r.Medications) {
		m = r.Medications[medIndex]
	}
	return domain.WebhookPayload{
		ReminderID:        r.ID,
		TutorName:         r.TutorName,
		PetName:           r.PetName,
		PetBreed:          r.PetBreed,
		PhoneNumber:       r.PhoneNumber,
		EventType:         event,
		EventDescription:  describe(r, m, event),
		MedicationProduct: product(m),
	}
}

func describe(r domain.Reminder, m domain.Medication, event domain.EventType) string {
	switch event {
	case domain.EventCreated:
		return fmt.Sprintf("Reminder created for %s", r.PetName)
	case domain.EventUpdated:
		return fmt.Sprintf("Reminder updated for %s", r.PetName)
	case domain.EventNotification:
		return fmt.Sprintf("Time to give %s (%s) to %s", m.Title, m.Quantity, r.PetName)
	case domain.EventFinished:
		return fmt.Sprintf("Treatment finished for %s", r.PetName)
	case domain.EventDeactivated:
		return fmt.Sprintf("Reminder deactivated for %s", r.PetName)
	case domain.EventActivated:
		return fmt.Sprintf("Reminder activated for %s", r.PetName)
	case domain.EventDeleted:
		return fmt.Sprintf("Reminder deleted for %s", r.PetName)
	}
	return event.String()
}

func product(m domain.Medication) domain.MedicationProduct {
	p := domain.MedicationProduct{
		Title:          m.Title,
		Quantity:       m.Quantity,
		FrequencyValue: m.FrequencyValue,
		FrequencyUnit:  m.FrequencyUnit,
		Duration:       m.DurationValue,
		DurationUnit:   m.DurationUnit,
	}
	if !m.StartAt.IsZero() {
		p.StartDateTime = m.StartAt.UTC().Format(time.RFC3339)
	}
	if m.EndAt != nil {
		p.EndDateTime = m.EndAt.UTC().Format(time.RFC3339)
	}
	return p
}
