package account

// InitialBalance is credited to every client on first discovery.
const InitialBalance uint32 = 100

// ClientRecord is the per-account state, keyed by the client's IPv4 address.
// LastRequestID is the idempotency watermark: any request with an id at or
// below it has already been answered.
type ClientRecord struct {
	LastRequestID uint32
	Balance       uint32
}

// Map is the server's account table.
type Map = LockedMap[uint32, ClientRecord]

func NewMap() *Map {
	return NewLockedMap[uint32, ClientRecord]()
}
