package driver

import "context"

// StaticDriver is the simplest Driver shape: a single pre-existing worker
// endpoint shared by every session (spec §4.2, shape 1).
type StaticDriver struct {
	url string
}

// NewStaticDriver returns a Driver that always hands out url.
func NewStaticDriver(url string) *StaticDriver {
	return &StaticDriver{url: url}
}

func (d *StaticDriver) Acquire(ctx context.Context, sessionID string) (Endpoint, error) {
	return Endpoint{URL: d.url}, nil
}

func (d *StaticDriver) Release(ctx context.Context, sessionID string) error {
	return nil
}

func (d *StaticDriver) Close() error {
	return nil
}
