package notify

import "errors"

// EventType names a real-time event pushed to a driver or rider session.
type EventType string

const (
	EventRideOffer          EventType = "ride-offer"
	EventRideOfferWithdrawn EventType = "ride-offer-withdrawn"
	EventRideAccepted       EventType = "ride-accepted"
	EventRideStatusChanged  EventType = "ride-status-changed"
)

// ErrNoSession means the recipient has no reachable session on this channel.
var ErrNoSession = errors.New("no session for recipient")

// DriverRecipient and RiderRecipient namespace channel addresses by role. A
// driver and a rider may share a raw id; their sessions and routing keys must
// never collide.
func DriverRecipient(id string) string { return "driver:" + id }

func RiderRecipient(id string) string { return "rider:" + id }

// Notifier delivers an event to one recipient, best-effort, at most once per
// call. No queuing or retry is promised; callers treat delivery as advisory
// and never block a ride outcome on it.
type Notifier interface {
	Send(recipientID string, event EventType, payload any) error
}

// Envelope is the wire shape shared by every transport.
type Envelope struct {
	Event   EventType `json:"event"`
	Payload any       `json:"payload"`
}

// Fallback tries each notifier in order until one delivers. Typical wiring is
// websocket first, then a push provider for drivers without an open socket.
type Fallback struct {
	Channels []Notifier
}

func (f *Fallback) Send(recipientID string, event EventType, payload any) error {
	var last error = ErrNoSession
	for _, c := range f.Channels {
		if err := c.Send(recipientID, event, payload); err != nil {
			last = err
			continue
		}
		return nil
	}
	return last
}
