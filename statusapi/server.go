// Package statusapi exposes a minimal read-only HTTP view of a
// device.Controller's metadata store, for monitoring tooling that
// would rather poll an HTTP endpoint than speak the qda transport.
package statusapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/qfwcore/bootmgr/device"
)

// Server serves the status API over HTTP.
type Server struct {
	router *mux.Router
	ctrl   *device.Controller
}

// NewServer builds a Server bound to ctrl.
func NewServer(ctrl *device.Controller) *Server {
	s := &Server{router: mux.NewRouter(), ctrl: ctrl}
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type partitionStatus struct {
	TargetIdx    uint32 `json:"target_idx"`
	IsConsistent bool   `json:"is_consistent"`
	AppPresent   bool   `json:"app_present"`
	AppVersion   uint32 `json:"app_version"`
}

type targetStatus struct {
	ActivePartitionIdx uint32 `json:"active_partition_idx"`
	SVN                uint32 `json:"svn"`
}

type statusResponse struct {
	ROMVersion uint32            `json:"rom_version"`
	Partitions []partitionStatus `json:"partitions"`
	Targets    []targetStatus    `json:"targets"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	data := s.ctrl.Store.Shadow()
	resp := statusResponse{ROMVersion: data.ROMVersion}

	for i := range data.Partitions {
		p := &data.Partitions[i]
		present, err := data.AppPresent(s.ctrl.Driver, p)
		if err != nil {
			log.Errorf("statusapi: reading partition %d presence: %v", i, err)
		}
		resp.Partitions = append(resp.Partitions, partitionStatus{
			TargetIdx:    p.TargetIdx,
			IsConsistent: p.IsConsistent,
			AppPresent:   present,
			AppVersion:   p.AppVersion,
		})
	}
	for _, t := range data.Targets {
		resp.Targets = append(resp.Targets, targetStatus{
			ActivePartitionIdx: t.ActivePartitionIdx,
			SVN:                t.SVN,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Errorf("statusapi: encoding response: %v", err)
	}
}
