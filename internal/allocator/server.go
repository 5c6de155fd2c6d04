package allocator

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/lke-infra/vlanctl/internal/pool"
)

type allocateRequest struct {
	Subnet string `json:"subnet"`
}

type allocateResponse struct {
	AllocatedIP string `json:"allocated_ip"`
	IP          string `json:"ip"`
	CIDR        string `json:"cidr"`
}

type releaseRequest struct {
	IPAddress string `json:"ip_address"`
}

type releaseResponse struct {
	ReleasedIP string `json:"released_ip"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

const (
	codeExhausted = "exhausted"
	codeNotLeader = "not_leader"
)

// NewHandler wires the REST surface: POST /allocate, POST /release,
// GET /health, POST /api/v1/refresh, GET /api/v1/vlan-ips.
func NewHandler(svc *Service) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /allocate", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		var req allocateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Subnet == "" {
			writeError(w, http.StatusBadRequest, "subnet not provided", "")
			return
		}
		owner := r.Header.Get("X-Node-Name")
		addr, err := svc.Allocate(r.Context(), req.Subnet, owner)
		if err != nil {
			writeAllocateError(w, err)
			return
		}
		suffix := "/" + strconv.Itoa(svc.Subnet().Bits())
		writeJSON(w, http.StatusOK, allocateResponse{
			AllocatedIP: addr.String() + suffix,
			IP:          addr.String(),
			CIDR:        suffix,
		})
	})

	mux.HandleFunc("POST /release", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		var req releaseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IPAddress == "" {
			writeError(w, http.StatusBadRequest, "ip_address not provided", "")
			return
		}
		if err := svc.Release(r.Context(), req.IPAddress); err != nil {
			writeReleaseError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, releaseResponse{ReleasedIP: pool.NormalizeIP(req.IPAddress)})
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if !svc.Healthy() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	mux.HandleFunc("POST /api/v1/refresh", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if err := svc.Refresh(r.Context()); err != nil {
			if errors.Is(err, ErrNotLeader) {
				w.Header().Set("Retry-After", "10")
				writeError(w, http.StatusServiceUnavailable, err.Error(), codeNotLeader)
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error(), "")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
	})

	mux.HandleFunc("GET /api/v1/vlan-ips", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		allocated, err := svc.Allocated()
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error(), codeNotLeader)
			return
		}
		ips := make([]string, 0, len(allocated))
		for _, addr := range allocated {
			ips = append(ips, addr.String())
		}
		writeJSON(w, http.StatusOK, map[string][]string{"ips": ips})
	})

	return mux
}

func writeAllocateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotLeader), errors.Is(err, ErrPoolNotLoaded):
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusServiceUnavailable, err.Error(), codeNotLeader)
	case errors.Is(err, ErrSubnetMismatch):
		writeError(w, http.StatusBadRequest, err.Error(), "")
	case errors.Is(err, pool.ErrExhausted):
		writeError(w, http.StatusInternalServerError, err.Error(), codeExhausted)
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "")
	}
}

func writeReleaseError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotLeader), errors.Is(err, ErrPoolNotLoaded):
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusServiceUnavailable, err.Error(), codeNotLeader)
	case errors.Is(err, pool.ErrReserved):
		writeError(w, http.StatusForbidden, err.Error(), "")
	case errors.Is(err, pool.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "")
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "")
	}
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

