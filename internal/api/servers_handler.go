package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"go.wsrt.dev/internal/protocol"
	"go.wsrt.dev/internal/wm"
)

// ServersHandler exposes the known-server set and connect/disconnect
// controls. Per the admin API's sourcing rule, every response here is
// derived from the WM's known-server set, never from SCM-internal records:
// only the SCM goroutine may touch a server.Record.
type ServersHandler struct {
	wm *wm.WM
}

// NewServersHandler creates a handler backed by w.
func NewServersHandler(w *wm.WM) *ServersHandler {
	return &ServersHandler{wm: w}
}

// ServerDTO is one entry in GET /servers.
type ServerDTO struct {
	Host      string `json:"host"`
	Port      uint16 `json:"port"`
	Status    string `json:"status"`
	Minor     uint32 `json:"minor,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// CreateServerRequest is the body of POST /servers.
type CreateServerRequest struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// Routes mounts the /servers endpoints.
func (h *ServersHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Delete("/{host}/{port}", h.Delete)
	return r
}

// List handles GET /servers
//
//	@Summary		List known servers
//	@Description	Returns every known ServerId and its last-observed status
//	@Tags			servers
//	@Produce		json
//	@Success		200	{array}	ServerDTO
//	@Router			/servers [get]
func (h *ServersHandler) List(w http.ResponseWriter, r *http.Request) {
	infos := h.wm.Servers()
	out := make([]ServerDTO, 0, len(infos))
	for _, info := range infos {
		dto := ServerDTO{
			Host:   info.ID.Host,
			Port:   info.ID.Port,
			Status: info.Status.String(),
			Minor:  info.Minor,
		}
		if info.LastError != nil {
			dto.LastError = info.LastError.Error()
		}
		out = append(out, dto)
	}
	WriteJSON(w, http.StatusOK, out)
}

// Create handles POST /servers
//
//	@Summary		Request a connection
//	@Description	Asks the SCM to establish a connection to the given server
//	@Tags			servers
//	@Accept			json
//	@Produce		json
//	@Param			request	body	CreateServerRequest	true	"server to connect"
//	@Success		202
//	@Failure		400	{object}	ErrorResponse
//	@Router			/servers [post]
func (h *ServersHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateServerRequest
	if err := DecodeJSON(r, &req); err != nil || req.Host == "" {
		WriteBadRequest(w, "host and port are required")
		return
	}
	h.wm.RequestConnect(protocol.NewServerId(req.Host, req.Port))
	w.WriteHeader(http.StatusAccepted)
}

// Delete handles DELETE /servers/{host}/{port}
//
//	@Summary		Request a disconnection
//	@Description	Asks the SCM to tear down the connection to the given server
//	@Tags			servers
//	@Param			host	path	string	true	"host"
//	@Param			port	path	int		true	"port"
//	@Success		202
//	@Failure		400	{object}	ErrorResponse
//	@Router			/servers/{host}/{port} [delete]
func (h *ServersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	portStr := chi.URLParam(r, "port")
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		WriteBadRequest(w, "port must be a valid uint16")
		return
	}
	h.wm.RequestDisconnect(protocol.NewServerId(host, uint16(port)))
	w.WriteHeader(http.StatusAccepted)
}
