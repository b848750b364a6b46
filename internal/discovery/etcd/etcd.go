package etcd

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// ServiceRegistry registers this process in etcd so that ops tooling and
// worker bootstrap scripts can locate the dispatch API.
type ServiceRegistry struct {
	cli *clientv3.Client
}

// NewServiceRegistry creates a new ServiceRegistry.
func NewServiceRegistry(endpoints []string, username, password string) (*ServiceRegistry, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		Username:    username,
		Password:    password,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &ServiceRegistry{cli: cli}, nil
}

// Register publishes the service address under a leased key and keeps the
// lease alive until the returned stop channel is closed.
func (s *ServiceRegistry) Register(serviceName, addr string, ttl int64) (chan<- struct{}, error) {
	leaseResp, err := s.cli.Grant(context.Background(), ttl)
	if err != nil {
		return nil, err
	}

	key := "/services/" + serviceName + "/" + addr
	if _, err := s.cli.Put(context.Background(), key, addr, clientv3.WithLease(leaseResp.ID)); err != nil {
		return nil, err
	}

	keepAliveCh, err := s.cli.KeepAlive(context.Background(), leaseResp.ID)
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				s.cli.Delete(context.Background(), key)
				return
			case _, ok := <-keepAliveCh:
				if !ok {
					// Lease expired or was revoked.
					s.cli.Delete(context.Background(), key)
					return
				}
			}
		}
	}()

	return stop, nil
}

// Discover lists the registered addresses for a service name.
func (s *ServiceRegistry) Discover(serviceName string) ([]string, error) {
	resp, err := s.cli.Get(context.Background(), "/services/"+serviceName, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	var addrs []string
	for _, ev := range resp.Kvs {
		addrs = append(addrs, string(ev.Value))
	}
	return addrs, nil
}

// Close closes the etcd client.
func (s *ServiceRegistry) Close() error {
	return s.cli.Close()
}
