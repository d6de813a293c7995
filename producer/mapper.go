package producer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedPayload marks analysis responses that cannot become a batch.
var ErrMalformedPayload = errors.New("malformed producer payload")

// stringNumber accepts string or number JSON and stores as string
type stringNumber string

func (s *stringNumber) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = stringNumber(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return err
	}
	*s = stringNumber(num.String())
	return nil
}

var priorityNames = map[string]int{
	"critical": 0,
	"high":     1,
	"medium":   2,
	"normal":   2,
	"low":      3,
}

func parsePriority(v stringNumber) (int, error) {
	raw := strings.TrimSpace(string(v))
	if raw == "" {
		return priorityNames["normal"], nil
	}
	if p, ok := priorityNames[strings.ToLower(raw)]; ok {
		return p, nil
	}
	p, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("priority %q", raw)
	}
	if p < 0 {
		return 0, fmt.Errorf("negative priority %d", p)
	}
	return p, nil
}

// MapPayload validates and normalizes a raw analysis response.
// The response is expected to look like
// { "clientId": "...", "analysisTimestamp": "RFC3339", "summary": "...",
//   "recommendations": [ { "type": "...", "message": "...", "subject": "...", "priority": 1 } ] }
// An empty recommendations list is valid; a missing one is not.
func MapPayload(raw []byte) (Payload, error) {
	type aItem struct {
		Type     string       `json:"type"`
		Kind     string       `json:"kind"`
		Message  string       `json:"message"`
		Subject  stringNumber `json:"subject"`
		Priority stringNumber `json:"priority"`
	}
	type aPayload struct {
		ClientID          string   `json:"clientId"`
		AnalysisTimestamp string   `json:"analysisTimestamp"`
		Summary           string   `json:"summary"`
		Recommendations   *[]aItem `json:"recommendations"`
	}

	var in aPayload
	if err := json.Unmarshal(raw, &in); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if in.Recommendations == nil {
		return Payload{}, fmt.Errorf("%w: missing recommendations", ErrMalformedPayload)
	}

	out := Payload{
		ClientID:    strings.TrimSpace(in.ClientID),
		SummaryNote: strings.TrimSpace(in.Summary),
		Items:       make([]Item, 0, len(*in.Recommendations)),
	}
	if ts := strings.TrimSpace(in.AnalysisTimestamp); ts != "" {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: analysisTimestamp: %v", ErrMalformedPayload, err)
		}
		out.AnalysisTimestamp = &t
	}
	for i, it := range *in.Recommendations {
		kind := strings.TrimSpace(it.Kind)
		if kind == "" {
			kind = strings.TrimSpace(it.Type)
		}
		msg := strings.TrimSpace(it.Message)
		if kind == "" || msg == "" {
			return Payload{}, fmt.Errorf("%w: recommendation %d needs type and message", ErrMalformedPayload, i)
		}
		prio, err := parsePriority(it.Priority)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: recommendation %d: %v", ErrMalformedPayload, i, err)
		}
		out.Items = append(out.Items, Item{
			Kind:       kind,
			Message:    msg,
			SubjectRef: strings.TrimSpace(string(it.Subject)),
			Priority:   prio,
		})
	}
	return out, nil
}
