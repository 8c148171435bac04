// Package rpc defines the DistKV gRPC contract: request and response
// messages, the JSON codec they travel in, the service descriptor and a
// typed client.
package rpc

// PutRequest stores Value under Key.
type PutRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PutResponse is empty on success.
type PutResponse struct{}

// GetRequest looks up Key.
type GetRequest struct {
	Key string `json:"key"`
}

// GetResponse carries the stored value.
type GetResponse struct {
	Value string `json:"value"`
}

// DeleteRequest removes Key.
type DeleteRequest struct {
	Key string `json:"key"`
}

// DeleteResponse is empty on success.
type DeleteResponse struct{}

// PersistRequest triggers a log compaction.
type PersistRequest struct{}

// PersistResponse reports the log size after compaction.
type PersistResponse struct {
	LogBytes int64 `json:"log_bytes"`
}

// KeysRequest lists the live keys.
type KeysRequest struct{}

// KeysResponse holds the live keys in sorted order.
type KeysResponse struct {
	Keys []string `json:"keys"`
}

// StatsRequest asks for engine statistics.
type StatsRequest struct{}

// StatsResponse mirrors storage.Stats over the wire.
type StatsResponse struct {
	Keys               int    `json:"keys"`
	LogBytes           int64  `json:"log_bytes"`
	Appended           uint64 `json:"appended"`
	Compactions        uint64 `json:"compactions"`
	LastCompactionUnix int64  `json:"last_compaction_unix,omitempty"`
	ReplayRecords      int    `json:"replay_records"`
	ReplaySkipped      int    `json:"replay_skipped"`
	ReplayTornBytes    int64  `json:"replay_torn_bytes"`
}
