package dht

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"
)

// Contact is a known peer: its identifier and where to reach it.
// Contacts are passed by value; only the routing table updates LastSeen.
type Contact struct {
	ID       NodeID    `msgpack:"id"`
	Host     string    `msgpack:"host"`
	Port     int       `msgpack:"port"`
	LastSeen time.Time `msgpack:"-"`
}

// NewContact creates a contact for the given identifier and address.
func NewContact(id NodeID, host string, port int) Contact {
	return Contact{ID: id, Host: host, Port: port}
}

// Address returns the host:port form of the contact's address.
func (c Contact) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Contact) String() string {
	return fmt.Sprintf("%s@%s", c.ID.Short(), c.Address())
}

// sortByDistance orders contacts by increasing distance to target.
func sortByDistance(contacts []Contact, target NodeID) {
	sort.Slice(contacts, func(i, j int) bool {
		return CloserTo(target, contacts[i].ID, contacts[j].ID)
	})
}
