// Package persistence defines the narrow interface the session core uses
// for retained messages, offline queues, subscription restoration, and
// will storage (spec §4.I, §6 "Persisted state shape"). Durable storage
// mechanics are out of this module's scope (spec §1 Non-goals); this
// package only fixes the shape a backend must expose.
package persistence

import "github.com/gonzalop/broker/packet"

// StoredSubscription is a single restored subscription entry for a
// non-clean session, as described in spec §6:
// "{clientId → set of {topic, qos}}".
type StoredSubscription struct {
	Topic string
	QoS   packet.QoS
}

// OfflinePacket is a queued PUBLISH awaiting delivery to a client that was
// disconnected when it was published.
type OfflinePacket struct {
	// OriginalID is the message id the packet was queued under, used to
	// correlate a later UpdateOfflinePacket/DeleteOfflinePacket call.
	OriginalID uint16
	Publish    *packet.Publish
}

// Store is the persistence backend's required surface. Implementations
// must make each individual method call atomic; the session core does not
// hold cross-call locks on a Store (spec §5 "Shared-resource policy").
type Store interface {
	// SaveSubscriptions replaces the stored subscription set for clientID.
	// Called on close for sessions with clean=false (spec §4.H).
	SaveSubscriptions(clientID string, subs []StoredSubscription) error

	// LoadSubscriptions restores the subscription set for clientID, used
	// on CONNECT when clean=false (spec §4.G).
	LoadSubscriptions(clientID string) ([]StoredSubscription, error)

	// ClearSubscriptions drops the stored subscription set, used when a
	// clean=true session closes (spec invariant 5).
	ClearSubscriptions(clientID string) error

	// SaveWill stores a client's will message so it can be delivered by a
	// later process incarnation; this module delivers the will itself
	// in-process (spec §4.H), so this method is primarily a hook for
	// multi-process deployments.
	SaveWill(clientID string, will *packet.Will) error

	// ClearWill removes a stored will, e.g. after a graceful DISCONNECT.
	ClearWill(clientID string) error

	// QueueOffline appends a packet to clientID's offline queue.
	QueueOffline(clientID string, pkt OfflinePacket) error

	// ReplayOffline returns and clears the queued offline packets for
	// clientID, used on reconnect to resume delivery (spec §2 data flow).
	ReplayOffline(clientID string) ([]OfflinePacket, error)

	// ClearOffline discards clientID's offline queue without replaying it,
	// used when a clean=true session closes (spec invariant 5).
	ClearOffline(clientID string) error

	// UpdateOfflinePacket rewrites the message id of a queued offline
	// packet once it has been assigned a fresh id for (re)delivery
	// (spec §4.F).
	UpdateOfflinePacket(clientID string, originalID, newID uint16) error

	// DeleteOfflinePacket removes a queued offline packet once it has been
	// acknowledged (spec §4.G PUBACK handling).
	DeleteOfflinePacket(clientID string, messageID uint16) error

	// StoreRetained records pkt as the retained message for its topic. A
	// zero-length payload clears any existing retained message, per MQTT
	// semantics.
	StoreRetained(pkt *packet.Publish) error

	// MatchRetained returns every retained message matching filter.
	MatchRetained(filter string) ([]*packet.Publish, error)

	// Clients returns every client id the store has recorded state for
	// (subscriptions, will, or offline queue); an id stays listed after that
	// state has been cleared, with nothing left to load. Publish uses this
	// to find offline subscribers not currently registered with the fabric,
	// so it can queue a publish for them (spec §2 "offline queues").
	Clients() ([]string, error)
}
