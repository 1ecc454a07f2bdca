// SPDX-License-Identifier: AGPL-3.0-only

package dispatch

import (
	"context"
	"time"

	"github.com/skydb/tsdbquery/pkg/execplan"
	"github.com/skydb/tsdbquery/pkg/operators"
	"github.com/skydb/tsdbquery/pkg/qerrors"
)

// PromQlHTTPClient issues an instant/range PromQL query over HTTP to
// another partition's query API and returns its decoded result. A concrete
// implementation (HTTP client, retry policy, auth) lives with the binary
// wiring this module into a server; spec.md §4.5 leaves the wire format of
// that call out of scope, so none ships here.
type PromQlHTTPClient interface {
	InstantOrRange(ctx context.Context, endpoint string, p execplan.PromQlRemoteParams) (*operators.Result, error)
}

// PromQlRemoteQuerier implements operators.RemoteQuerier by issuing a
// PromQlRemoteExec leaf's equivalent query string to the partition named in
// its Endpoint, per spec.md §4.5's multi-partition fan-out.
type PromQlRemoteQuerier struct {
	Client PromQlHTTPClient
}

func NewPromQlRemoteQuerier(client PromQlHTTPClient) *PromQlRemoteQuerier {
	return &PromQlRemoteQuerier{Client: client}
}

func (q *PromQlRemoteQuerier) Query(ctx context.Context, p execplan.PromQlRemoteParams) (*operators.Result, error) {
	if q.Client == nil {
		return nil, qerrors.Newf(qerrors.TypeRemoteError, "no PromQL HTTP client configured to reach %s", p.Endpoint)
	}
	if p.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	res, err := q.Client.InstantOrRange(ctx, p.Endpoint, p)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.TypeRemoteError, err, "remote partition query failed")
	}
	return res, nil
}
