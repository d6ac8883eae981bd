package engine

import "context"

// ReferrerSource fetches the platform install referrer. An empty string with
// a nil error means the platform has none.
type ReferrerSource interface {
	FetchReferrer(ctx context.Context) (string, error)
}

// ReferrerFunc adapts a function to ReferrerSource.
type ReferrerFunc func(ctx context.Context) (string, error)

func (f ReferrerFunc) FetchReferrer(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticReferrer always returns referrer.
func StaticReferrer(referrer string) ReferrerSource {
	return ReferrerFunc(func(context.Context) (string, error) {
		return referrer, nil
	})
}
