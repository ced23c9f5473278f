// Package rest serves the state of the exported devices over HTTP.
package rest

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/docker/go-units"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/agrover/tcmu-runner/recovery"
)

var errNotFound = errors.New("no such device")

// Device is an exported device as seen by the API.
type Device interface {
	Name() string
	BlockSize() uint32
	NumLBAs() uint64
	RecoveryState() recovery.State
	Reopen() error
	Lock() error
}

type DeviceInfo struct {
	Name      string         `json:"name"`
	BlockSize uint32         `json:"block_size"`
	NumLBAs   uint64         `json:"num_lbas"`
	Size      string         `json:"size"`
	State     recovery.State `json:"state"`
}

type Collection struct {
	Data []DeviceInfo `json:"data"`
}

type Server struct {
	mu      sync.RWMutex
	devices map[string]Device
}

func NewServer() *Server {
	return &Server{devices: map[string]Device{}}
}

func (s *Server) Add(d Device) {
	s.mu.Lock()
	s.devices[d.Name()] = d
	s.mu.Unlock()
}

func (s *Server) Remove(name string) {
	s.mu.Lock()
	delete(s.devices, name)
	s.mu.Unlock()
}

func (s *Server) get(req *http.Request) (Device, error) {
	name := mux.Vars(req)["name"]
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[name]
	if !ok {
		return nil, errors.Wrap(errNotFound, name)
	}
	return d, nil
}

func deviceInfo(d Device) DeviceInfo {
	return DeviceInfo{
		Name:      d.Name(),
		BlockSize: d.BlockSize(),
		NumLBAs:   d.NumLBAs(),
		Size:      units.BytesSize(float64(d.NumLBAs()) * float64(d.BlockSize())),
		State:     d.RecoveryState(),
	}
}

func (s *Server) ListDevices(rw http.ResponseWriter, req *http.Request) error {
	s.mu.RLock()
	c := Collection{Data: []DeviceInfo{}}
	for _, d := range s.devices {
		c.Data = append(c.Data, deviceInfo(d))
	}
	s.mu.RUnlock()
	sort.Slice(c.Data, func(i, j int) bool { return c.Data[i].Name < c.Data[j].Name })
	return writeJSON(rw, http.StatusOK, c)
}

func (s *Server) GetDevice(rw http.ResponseWriter, req *http.Request) error {
	d, err := s.get(req)
	if err != nil {
		return err
	}
	return writeJSON(rw, http.StatusOK, deviceInfo(d))
}

// ReopenDevice closes and reopens the device's backend. It blocks until the
// backend could be opened again.
func (s *Server) ReopenDevice(rw http.ResponseWriter, req *http.Request) error {
	d, err := s.get(req)
	if err != nil {
		return err
	}
	logrus.Infof("Reopening %s on request.", d.Name())
	if err := d.Reopen(); err != nil {
		return err
	}
	return writeJSON(rw, http.StatusOK, deviceInfo(d))
}

// LockDevice starts acquiring the backend lock; poll the device state for
// the result.
func (s *Server) LockDevice(rw http.ResponseWriter, req *http.Request) error {
	d, err := s.get(req)
	if err != nil {
		return err
	}
	if err := d.Lock(); err != nil {
		return err
	}
	return writeJSON(rw, http.StatusAccepted, deviceInfo(d))
}

func writeJSON(rw http.ResponseWriter, code int, v interface{}) error {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	return json.NewEncoder(rw).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, errNotFound):
		return http.StatusNotFound
	case errors.Is(err, recovery.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, recovery.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// HandleError turns an error returned by f into a JSON error response.
func HandleError(f func(http.ResponseWriter, *http.Request) error) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if err := f(rw, req); err != nil {
			code := statusCode(err)
			if code == http.StatusInternalServerError {
				logrus.Errorf("%s %s: %v", req.Method, req.URL.Path, err)
			}
			writeJSON(rw, code, errorResponse{Error: err.Error()})
		}
	})
}
