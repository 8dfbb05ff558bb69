package httpapi

import (
	"net/http"
	"strings"

	"qms/queue-dispatch/internal/hub"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/rs/zerolog/log"
)

// NewRealtimeHandler serves SockJS sessions for display boards. A board may
// pass room_ids and queue_type on the connect URL or send a subscribe message
// later; until then it receives every event.
func NewRealtimeHandler(h *hub.Hub) http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		if sub, ok := subscriptionFromRequest(session.Request()); ok {
			client.Subscription = sub
		}
		h.Register(client)
		defer h.Unregister(client)
		log.Debug().Str("client_id", client.ID).Strs("room_ids", client.Subscription.RoomIDs).Msg("realtime client connected")

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				log.Debug().Str("client_id", client.ID).Msg("realtime client disconnected")
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, hub.Subscription{})
				continue
			}
			sub, ok := parsed.Subscription()
			if !ok {
				_ = session.Close(4000, "invalid subscription")
				return
			}
			h.UpdateSubscription(client, sub)
		}
	})
}

func subscriptionFromRequest(r *http.Request) (hub.Subscription, bool) {
	if r == nil {
		return hub.Subscription{}, false
	}
	query := r.URL.Query()
	msg := hub.SubscribeMessage{Action: "subscribe", QueueType: query.Get("queue_type")}
	for _, value := range query["room_ids"] {
		msg.RoomIDs = append(msg.RoomIDs, strings.Split(value, ",")...)
	}
	if len(msg.RoomIDs) == 0 && msg.QueueType == "" {
		return hub.Subscription{}, false
	}
	return msg.Subscription()
}
