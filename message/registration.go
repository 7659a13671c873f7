package message

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"
)

// ServiceRegistration describes one provider instance of a service contract.
// It is stored in the registry as JSON and must round-trip completely.
type ServiceRegistration struct {
	ServiceName   string            `json:"serviceName"`
	Group         string            `json:"group"`
	Version       string            `json:"version"`
	Host          string            `json:"host"`
	Port          int               `json:"port"`
	Weight        int               `json:"weight"`
	Healthy       bool              `json:"healthy"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreateTime    int64             `json:"createTime"`    // Unix milliseconds
	LastHeartbeat int64             `json:"lastHeartbeat"` // Unix milliseconds
}

// NewServiceRegistration fills defaults for an instance reachable at host:port.
func NewServiceRegistration(name, group, version, host string, port int) *ServiceRegistration {
	now := time.Now().UnixMilli()
	r := &ServiceRegistration{
		ServiceName:   name,
		Group:         group,
		Version:       version,
		Host:          host,
		Port:          port,
		Weight:        DefaultWeight,
		Healthy:       true,
		CreateTime:    now,
		LastHeartbeat: now,
	}
	if r.Group == "" {
		r.Group = DefaultGroup
	}
	if r.Version == "" {
		r.Version = DefaultVersion
	}
	return r
}

// ServiceKey returns "{name}:{group}:{version}".
func (r *ServiceRegistration) ServiceKey() string {
	return ServiceKey(r.ServiceName, r.Group, r.Version)
}

// Address returns "{host}:{port}".
func (r *ServiceRegistration) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Clone returns a deep copy, so a cached candidate set can be handed out
// without callers mutating it.
func (r *ServiceRegistration) Clone() *ServiceRegistration {
	c := *r
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Marshal encodes the registration for registry storage.
func (r *ServiceRegistration) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalServiceRegistration decodes a stored registration.
func UnmarshalServiceRegistration(data []byte) (*ServiceRegistration, error) {
	r := &ServiceRegistration{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("decode registration: %w", err)
	}
	return r, nil
}

// SplitAddress parses "{host}:{port}".
func SplitAddress(addr string) (string, int, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return host, port, nil
}
