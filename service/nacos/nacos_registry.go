package nacos

import (
	"fmt"
	"net"

	"PPCollab/logger"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

// Naming is the subset of the nacos naming client used for self-registration.
type Naming interface {
	RegisterInstance(param vo.RegisterInstanceParam) (bool, error)
	DeregisterInstance(param vo.DeregisterInstanceParam) (bool, error)
}

// Registry announces this node so load balancers and peers can find the
// websocket endpoint.
type Registry struct {
	ServiceName string
	IP          string
	Port        uint64
	Group       string
	Metadata    map[string]string

	client Naming
	log    *zap.Logger
}

func NewRegistry(client Naming, serviceName, ip string, port uint64, meta map[string]string) *Registry {
	return &Registry{
		ServiceName: serviceName,
		IP:          ip,
		Port:        port,
		Group:       "DEFAULT_GROUP",
		Metadata:    meta,
		client:      client,
		log:         logger.Named("nacos"),
	}
}

func (r *Registry) Register() error {
	ok, err := r.client.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		ClusterName: "DEFAULT",
		Weight:      1,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata:    r.Metadata,
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", r.ServiceName, err)
	}
	if !ok {
		return fmt.Errorf("register %s: returned false", r.ServiceName)
	}
	r.log.Info("registered", zap.String("service", r.ServiceName), zap.String("ip", r.IP), zap.Uint64("port", r.Port))
	return nil
}

func (r *Registry) Deregister() error {
	ok, err := r.client.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		Cluster:     "DEFAULT",
		Ephemeral:   true,
	})
	if err != nil {
		return fmt.Errorf("deregister %s: %w", r.ServiceName, err)
	}
	if !ok {
		r.log.Warn("instance not found or already gone", zap.String("service", r.ServiceName))
	}
	return nil
}

// LocalIP returns the first non-loopback IPv4 address, or 127.0.0.1.
func LocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() {
			if v4 := ipn.IP.To4(); v4 != nil {
				return v4.String()
			}
		}
	}
	return "127.0.0.1"
}
