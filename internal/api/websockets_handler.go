package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/isqad/melody"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/eventbus"
)

const (
	wsSubscriptionSessionKey = "subscription"
	wsClientSessionKey       = "client"
)

// WebsocketsHandler upgrades the request into the state stream of the user.
// The subscription is made before the upgrade so no change published in
// between is lost.
func WebsocketsHandler(
	clients *Clients,
	eventsSubscriber eventbus.Subscriber,
	websocket *melody.Melody,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, err := clientFromRequest(clients, r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		subscription, err := eventsSubscriber.Subscribe(context.Background(), eventbus.Clients, client.UserID)
		if err != nil {
			log.Error().Err(err).Str("service", "websockets").Str("userID", client.UserID).Msg("can't subscribe the user to state channel")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		sessKeys := make(map[string]interface{})
		sessKeys[wsClientSessionKey] = client
		sessKeys[wsSubscriptionSessionKey] = subscription

		if err := websocket.HandleRequestWithKeys(w, r, sessKeys); err != nil {
			log.Error().Err(err).Str("service", "websockets").Str("userID", client.UserID).Msg("can't handle request")
			subscription.Close()
		}
	}
}

func DisconnectHandler() func(session *melody.Session) {
	return func(session *melody.Session) {
		subscription, err := getUserSubscription(session)
		if err != nil {
			log.Error().Err(err).Str("service", "websockets").Msg("extract subscription")
			return
		}
		if err := subscription.Close(); err != nil {
			log.Error().Err(err).Str("service", "websockets").Msg("close subscription")
			return
		}
		log.Debug().Str("service", "websockets").Msg("user disconnected")
	}
}

// ConnectHandler writes the current snapshots first and then relays every
// change until the subscription is closed.
func ConnectHandler() func(session *melody.Session) {
	return func(session *melody.Session) {
		subscription, err := getUserSubscription(session)
		if err != nil {
			log.Error().Err(err).Str("service", "websockets").Msg("extract subscription")
			closeWsSession(session)
			return
		}
		client, err := getClientFromSession(session)
		if err != nil {
			log.Error().Err(err).Str("service", "websockets").Msg("extract client")
			subscription.Close()
			closeWsSession(session)
			return
		}

		for _, snapshot := range client.Snapshots() {
			msg, err := snapshot.ToJSON()
			if err != nil {
				log.Error().Err(err).Str("service", "websockets").Str("userID", client.UserID).Msg("encode snapshot")
				continue
			}
			if err := session.Write(msg); err != nil {
				log.Error().Err(err).Str("service", "websockets").Str("userID", client.UserID).Msg("write snapshot")
				return
			}
		}

		go func() {
			for msg := range subscription.Channel() {
				if err := session.Write(msg.Payload); err != nil {
					// there's only session closed error can be
					log.Debug().Err(err).Str("service", "websockets").Str("userID", client.UserID).Msg("stop relaying")
					return
				}
			}
		}()
	}
}

func closeWsSession(session *melody.Session) {
	if err := session.Close(); err != nil {
		log.Error().Err(err).Str("service", "websockets").Msg("close session")
	}
}

func getUserSubscription(s *melody.Session) (eventbus.Subscription, error) {
	userSub, ok := s.Keys[wsSubscriptionSessionKey]
	if !ok {
		return nil, fmt.Errorf("no sub for given session: %+v", s)
	}
	subscription, ok := userSub.(eventbus.Subscription)
	if !ok {
		return nil, fmt.Errorf("can't convert userSub: %+v", userSub)
	}
	return subscription, nil
}

func getClientFromSession(s *melody.Session) (*Client, error) {
	value, ok := s.Keys[wsClientSessionKey]
	if !ok {
		return nil, fmt.Errorf("no client for given session: %+v", s)
	}
	client, ok := value.(*Client)
	if !ok {
		return nil, fmt.Errorf("can't convert client: %+v", value)
	}
	return client, nil
}
