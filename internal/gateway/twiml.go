package gateway

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/SirClappington/enq/internal/domain"
)

// callerFields are the optional carrier form fields copied onto events.
var callerFields = map[string]string{
	"FromCity":    "city",
	"FromState":   "state",
	"FromZip":     "zip",
	"FromCountry": "country",
	"CallerName":  "caller_name",
}

type response struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message,omitempty"`
	Say     string   `xml:"Say,omitempty"`
}

func writeTwiML(w http.ResponseWriter, status int, res response) {
	b, err := xml.Marshal(res)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(b)
}

// parseEvent reads the carrier form from the query string or a
// form-encoded body.
func parseEvent(r *http.Request, channel string) (domain.Event, error) {
	if err := r.ParseForm(); err != nil {
		return domain.Event{}, fmt.Errorf("parse form: %w", err)
	}
	f := r.Form
	ev := domain.Event{
		Channel: channel,
		From:    f.Get("From"),
		Body:    f.Get("Body"),
		SID:     f.Get("MessageSid"),
		CallSID: f.Get("CallSid"),
	}
	if ev.SID == "" {
		ev.SID = f.Get("SmsSid")
	}
	for form, field := range callerFields {
		if v := strings.TrimSpace(f.Get(form)); v != "" {
			if ev.Fields == nil {
				ev.Fields = make(map[string]string)
			}
			ev.Fields[field] = v
		}
	}
	if raw := f.Get("NumMedia"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return domain.Event{}, fmt.Errorf("bad NumMedia %q", raw)
		}
		for i := 0; i < n; i++ {
			u := f.Get("MediaUrl" + strconv.Itoa(i))
			if u == "" {
				continue
			}
			ev.Media = append(ev.Media, domain.Media{URL: u, ContentType: f.Get("MediaContentType" + strconv.Itoa(i))})
		}
	}
	return ev, nil
}
