package webhook

import (
	"fmt"
	"math"
	"strings"
	"time"

	"authwatch/sharing-api/internal/domain"
)

const (
	embedFooter       = "Auth Security Monitor"
	maxListedSessions = 5
	unknown           = "Unknown"
)

// Discord webhook structures
type discordWebhookPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Footer      discordEmbedFooter  `json:"footer,omitempty"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbedFooter struct {
	Text string `json:"text,omitempty"`
}

// buildPayload renders an alert as a single Discord embed.
func buildPayload(alert domain.Alert, ac domain.AlertContext, sentAt time.Time) discordWebhookPayload {
	ip := ac.ExecutionIP
	if ip == "" {
		ip = ac.IPAddress
	}

	fields := []discordEmbedField{
		{Name: "🔑 API Key", Value: "`" + ac.APIKey + "`"},
		{Name: "🌐 IP Address (Execution)", Value: "`" + ip + "`", Inline: true},
		{Name: "⚠️ Severity", Value: string(alert.Severity), Inline: true},
	}
	if loc := ac.IPLocation; loc != nil {
		fields = append(fields, discordEmbedField{
			Name:   "🗺️ Execution Location",
			Value:  describeLocation(loc),
			Inline: true,
		})
	}
	fields = append(fields, alertFields(alert)...)

	return discordWebhookPayload{
		Embeds: []discordEmbed{{
			Title:       "🚨 " + strings.ReplaceAll(string(alert.Type), "_", " ") + " Detected",
			Description: fmt.Sprintf("**Username:** %s\n**User ID:** %s", orUnknown(ac.Username), orUnknown(ac.UserID)),
			Color:       severityColor(alert.Severity),
			Timestamp:   sentAt.UTC().Format(time.RFC3339),
			Fields:      fields,
			Footer:      discordEmbedFooter{Text: embedFooter},
		}},
	}
}

// alertFields returns the fields specific to the alert's detector.
func alertFields(alert domain.Alert) []discordEmbedField {
	switch data := alert.Data.(type) {
	case domain.MultipleIPsData:
		return []discordEmbedField{
			{Name: "📊 Unique IPs Detected", Value: fmt.Sprintf("%d / %d max", data.UniqueIPCount, data.Threshold)},
			{Name: "📍 All IP Addresses", Value: codeBlock(data.IPs)},
		}
	case domain.ConcurrentSessionsData:
		ids := data.SessionIDs
		if len(ids) > maxListedSessions {
			ids = append(ids[:maxListedSessions:maxListedSessions], "...")
		}
		return []discordEmbedField{
			{Name: "🔄 Active Sessions", Value: fmt.Sprintf("%d / %d max", data.ConcurrentSessions, data.Threshold)},
			{Name: "🎫 Session IDs", Value: codeBlock(ids)},
		}
	case domain.ImpossibleTravelData:
		speed := fmt.Sprintf("%d km/h", data.SpeedKmh)
		if data.Instant {
			speed = "instant"
		}
		minutes := int64(math.Round(float64(data.TimeSeconds) / 60))
		return []discordEmbedField{{
			Name: "✈️ Impossible Travel Details",
			Value: fmt.Sprintf("📏 **Distance:** %d km\n⏱️ **Time:** %d minutes\n🚀 **Speed:** %s",
				data.DistanceKm, minutes, speed),
		}}
	default:
		return nil
	}
}

// severityColor returns the Discord embed color for a severity level.
func severityColor(s domain.Severity) int {
	switch s {
	case domain.SeverityWarning:
		return 0xFFA500 // Orange
	case domain.SeverityAlert:
		return 0xFF4500 // Red-orange
	case domain.SeverityCritical:
		return 0xFF0000 // Red
	default:
		return 0xFFFF00 // Yellow
	}
}

func describeLocation(loc *domain.IPLocation) string {
	var parts []string
	if loc.City != "" {
		parts = append(parts, loc.City)
	}
	if loc.Country != "" {
		parts = append(parts, loc.Country)
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%.4f, %.4f", loc.Latitude, loc.Longitude)
	}
	return strings.Join(parts, ", ")
}

func codeBlock(lines []string) string {
	return "```\n" + strings.Join(lines, "\n") + "\n```"
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}
	return s
}
