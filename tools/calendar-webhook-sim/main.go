package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	var (
		baseURL  = flag.String("base-url", getenv("BASE_URL", "http://localhost:8086"), "calendar bridge base url")
		evtType  = flag.String("type", getenv("EVENT_TYPE", "booking.created"), "booking event type")
		booking  = flag.String("booking-id", getenv("BOOKING_ID", ""), "external booking id")
		calendar = flag.String("calendar-id", getenv("CALENDAR_ID", ""), "external calendar id")
		start    = flag.String("start", getenv("START_TIME", ""), "start time (RFC3339)")
		duration = flag.Int("minutes", 30, "slot length in minutes")
		secret   = flag.String("secret", getenv("WEBHOOK_SECRET", ""), "webhook signing secret")
	)
	flag.Parse()

	if strings.TrimSpace(*booking) == "" {
		fatal("BOOKING_ID is required")
	}

	startAt := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Hour)
	if strings.TrimSpace(*start) != "" {
		t, err := time.Parse(time.RFC3339, *start)
		if err != nil {
			fatal("invalid start time: " + err.Error())
		}
		startAt = t
	}

	payload, err := buildEventJSON(*evtType, *booking, *calendar, startAt, *duration)
	if err != nil {
		fatal(err.Error())
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/api/v1/webhook/bookings", bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(*secret) != "" {
		mac := hmac.New(sha256.New, []byte(*secret))
		mac.Write(payload)
		req.Header.Set("X-Webhook-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	fmt.Printf("status=%d\n", resp.StatusCode)
}

func buildEventJSON(eventType, bookingID, calendarID string, start time.Time, minutes int) ([]byte, error) {
	switch eventType {
	case "booking.created":
		if strings.TrimSpace(calendarID) == "" {
			return nil, fmt.Errorf("CALENDAR_ID is required for %s", eventType)
		}
		return json.Marshal(map[string]any{
			"event_type":  eventType,
			"booking_id":  bookingID,
			"calendar_id": calendarID,
			"kind":        "appointment",
			"start_time":  start.Format(time.RFC3339),
			"end_time":    start.Add(time.Duration(minutes) * time.Minute).Format(time.RFC3339),
			"attendee": map[string]any{
				"ref":   "sim-attendee-1",
				"name":  "Sim Attendee",
				"email": "sim@example.com",
			},
		})
	case "booking.rescheduled":
		return json.Marshal(map[string]any{
			"event_type": eventType,
			"booking_id": bookingID,
			"start_time": start.Format(time.RFC3339),
			"end_time":   start.Add(time.Duration(minutes) * time.Minute).Format(time.RFC3339),
		})
	case "booking.cancelled":
		return json.Marshal(map[string]any{
			"event_type": eventType,
			"booking_id": bookingID,
			"reason":     "simulated cancellation",
		})
	default:
		return nil, fmt.Errorf("unsupported event type: %s", eventType)
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
