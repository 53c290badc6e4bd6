package observability

import (
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/attribute"
)

const NodeIDKey attribute.Key = "service.node.name" // ECS convention

func Round(round uint64) attribute.KeyValue {
	return attribute.Int64("round", int64(round)) /* #nosec G115 its unlikely that value of round exceeds int64 max value */
}

func Region(region string) attribute.KeyValue {
	return attribute.String("region", region)
}

func PeerID(key attribute.Key, id peer.ID) attribute.KeyValue {
	return key.String(id.String())
}

/*
ErrStatus returns attribute named "status" with value "ok" if the param
err is nil and "err" when it is not.
*/
func ErrStatus(err error) attribute.KeyValue {
	status := "ok"
	if err != nil {
		status = "err"
	}
	return attribute.String("status", status)
}
