// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package seederapi exposes a minimal read-only observability surface,
// adapting the teacher's command-struct API idiom (api/tbcapi/tbcapi.go)
// onto a plain net/http JSON handler. The teacher's command table sits on
// top of a websocket protocol.Conn this pack never retrieved a copy of
// (see DESIGN.md), so this package narrows that surface to a single
// request/response pair instead of reconstructing the unretrieved
// dependency.
package seederapi

import (
	"encoding/json"
	"net/http"

	"github.com/juju/loggo"

	"github.com/hemilabs/dnsseed/addrmgr"
)

var log = loggo.GetLogger("seederapi")

func init() {
	loggo.ConfigureLoggers("INFO")
}

// APIVersion identifies the wire shape of StatsResponse, the same role
// the teacher's tbcapi.APIVersion constant plays for its own protocol.
const APIVersion = 1

// StatsRequest is currently empty: the endpoint takes no parameters,
// mirrored here so the shape matches the teacher's CmdXxxRequest structs
// even though there's nothing to carry yet.
type StatsRequest struct{}

// StatsResponse is the JSON body returned by GET /stats.
type StatsResponse struct {
	APIVersion int            `json:"api_version"`
	Stats      addrmgr.Stats  `json:"stats"`
	Error      *string        `json:"error,omitempty"`
}

// StatsSource is the subset of *addrmgr.Manager the handler depends on.
type StatsSource interface {
	GetStats() addrmgr.Stats
}

// Handler returns an http.Handler serving GET /stats from source.
func Handler(source StatsSource) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		resp := StatsResponse{APIVersion: APIVersion, Stats: source.GetStats()}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Errorf("encode stats response: %v", err)
		}
	})
	return mux
}
