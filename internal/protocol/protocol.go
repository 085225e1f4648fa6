// Package protocol holds the signaling wire format: inbound route envelopes
// and the flat outbound messages tagged with a type field.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Stage/internal/core"
)

// Inbound routes.
const (
	RouteCreateRoom       = "create-room"
	RouteJoinRoom         = "join-room"
	RouteCreateProducer   = "create-producer"
	RouteCreateConsumer   = "create-consumer"
	RouteConnectTransport = "connect-transport"
	RouteMuteMicro        = "mute-micro"
	RouteRemoveProducer   = "remove-producer"
	RouteRemoveRoom       = "remove-room"
	RouteCheckRoom        = "check-room"
	RouteSendMessage      = "send-message"
	RouteReconnect        = "reconnect"
	RouteRestartSFU       = "restart-sfu"
	RoutePing             = "ping"

	// legacy client spelling
	routeReconnectAlias = "recconect"
)

// Outbound replies.
const (
	TypeRoomCreated        = "roomCreated"
	TypeJoinedRoom         = "joinedRoom"
	TypeTransportConnected = "transportConnected"
	TypeProducerCreated    = "producerCreated"
	TypeProduceInfo        = "produceInfo"
	TypeCreateConsumer     = "createConsumer"
	TypeRoomStatus         = "roomStatus"
	TypeRemovedRoom        = "removedRoom"
	TypeStartReconnect     = "startReconnect"
	TypeRestartedSFU       = "restartedSFU"
	TypeProducerRemoved    = "producerRemoved"
	TypeRoomRemoved        = "roomRemoved"
	TypeMessageSent        = "messageSent"
	TypeError              = "error"
	TypePong               = "pong"
)

// Broadcasts.
const (
	TypeUpdateConsumers    = "updateConsumers"
	TypeSleep              = "sleep"
	TypeRemoveRoom         = "removeRoom"
	TypeProducerRestartSFU = "producerRestartSFU"
	TypeMute               = "mute"
	TypeUpdateChat         = "updateChat"
	TypeOffTrack           = "offTrack"
)

var ErrMalformed = errors.New("malformed message")

var routes = map[string]struct{}{
	RouteCreateRoom: {}, RouteJoinRoom: {}, RouteCreateProducer: {}, RouteCreateConsumer: {},
	RouteConnectTransport: {}, RouteMuteMicro: {}, RouteRemoveProducer: {}, RouteRemoveRoom: {},
	RouteCheckRoom: {}, RouteSendMessage: {}, RouteReconnect: {}, RouteRestartSFU: {}, RoutePing: {},
}

// KnownRoute reports whether route is part of the protocol.
func KnownRoute(route string) bool {
	_, ok := routes[route]
	return ok
}

// Envelope is one inbound message.
type Envelope struct {
	Route string          `json:"route"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DecodeEnvelope parses raw and normalizes the route name.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if env.Route == "" {
		return Envelope{}, fmt.Errorf("%w: missing route", ErrMalformed)
	}
	if env.Route == routeReconnectAlias {
		env.Route = RouteReconnect
	}
	return env, nil
}

// Decode unmarshals the envelope payload into T. A missing payload yields
// the zero value.
func Decode[T any](env Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %w", ErrMalformed, env.Route, err)
	}
	return v, nil
}

// Encode turns an outbound message into a frame.
func Encode(v any) (core.Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return core.Frame(b), nil
}
