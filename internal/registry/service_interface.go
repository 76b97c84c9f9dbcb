package registry

// Service is the interface for long-lived components started and stopped by the service registry.
type Service interface {
	Start() error
	Stop() error
}
