package reminder

import (
	"strings"
	"time"
)

const (
	TemplateEarly     = "early"
	TemplateStandard  = "standard"
	TemplateDayBefore = "day_before"
	TemplateFinal     = "final"
	TemplateCall      = "call"
)

// messageTemplates holds the body per template and channel. Placeholders are
// {{key}} and are filled by renderMessage.
var messageTemplates = map[string]map[Channel]string{
	TemplateEarly: {
		ChannelEmail: "Dear {{patient_name}},\n\nThis is a friendly reminder that you have an upcoming {{appointment_type}} appointment on {{appointment_time}}.\n\nPlease confirm your attendance by replying to this email. If you need to reschedule, please contact us at least 24 hours in advance.",
		ChannelSMS:   "Hi {{patient_name}}, you have an appointment on {{appointment_time}}. Reply YES to confirm or call the clinic to reschedule.",
	},
	TemplateStandard: {
		ChannelEmail: "Dear {{patient_name}},\n\nReminder: your {{appointment_type}} appointment is scheduled for {{appointment_time}}.\n\nPlease arrive 15 minutes early for check-in.",
		ChannelSMS:   "Reminder: {{patient_name}}, your {{appointment_type}} appointment is on {{appointment_time}}. Reply STOP to opt out.",
	},
	TemplateDayBefore: {
		ChannelEmail: "Dear {{patient_name}},\n\nFinal reminder: your appointment is tomorrow at {{appointment_time}}.\n\nPlease bring a valid ID, your insurance card and a list of current medications.",
		ChannelSMS:   "Final reminder: {{patient_name}}, your appointment is tomorrow at {{appointment_time}}. Call the clinic if you need to reschedule.",
	},
	TemplateFinal: {
		ChannelEmail: "Dear {{patient_name}},\n\nYour appointment is at {{appointment_time}}. Please arrive 15 minutes early for check-in.",
		ChannelSMS:   "Your appointment is at {{appointment_time}}. Please arrive 15 minutes early.",
	},
	TemplateCall: {
		ChannelCall: "Hello {{patient_name}}. This is a reminder of your {{appointment_type}} appointment on {{appointment_time}}. If you cannot attend, please call the clinic to reschedule.",
	},
}

const fallbackMessage = "Appointment reminder for {{patient_name}} on {{appointment_time}}."

const messageTimeLayout = "January 2, 2006 at 3:04 PM"

// renderMessage builds the body for a plan item. Chat reuses the SMS text and
// Call falls back to the call script.
func renderMessage(tpl string, ch Channel, appt Appointment, contact ContactInfo) string {
	body := lookupTemplate(tpl, ch)

	name := contact.Name
	if name == "" {
		name = "patient"
	}
	apptType := appt.Type
	if apptType == "" {
		apptType = "clinic"
	}

	replacer := strings.NewReplacer(
		"{{patient_name}}", name,
		"{{appointment_type}}", strings.ReplaceAll(apptType, "_", " "),
		"{{appointment_time}}", appt.ScheduledTime.In(time.UTC).Format(messageTimeLayout),
	)
	return replacer.Replace(body)
}

func lookupTemplate(tpl string, ch Channel) string {
	byChannel, ok := messageTemplates[tpl]
	if !ok {
		return fallbackMessage
	}
	if body, ok := byChannel[ch]; ok {
		return body
	}
	switch ch {
	case ChannelChat:
		if body, ok := byChannel[ChannelSMS]; ok {
			return body
		}
	case ChannelCall:
		return messageTemplates[TemplateCall][ChannelCall]
	}
	return fallbackMessage
}

func subjectFor(appt Appointment) string {
	return "Appointment Reminder - " + appt.ScheduledTime.In(time.UTC).Format("January 2, 2006")
}
