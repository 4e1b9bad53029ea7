package rpc

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/marzneshin/marznode/common"
	"github.com/marzneshin/marznode/model"
	"github.com/marzneshin/marznode/reconcile"
)

// toReconcileUserData drops everything but the tag from each wire
// inbound: per the reconciliation contract, protocol and config are
// always re-resolved from storage, never trusted off the wire.
func toReconcileUserData(w UserData) reconcile.UserData {
	tags := make([]string, len(w.Inbounds))
	for i, ib := range w.Inbounds {
		tags[i] = ib.Tag
	}
	return reconcile.UserData{
		User: model.User{
			ID:       w.User.ID,
			Username: w.User.Username,
			Key:      w.User.Key,
		},
		Inbounds: tags,
	}
}

func toWireBackendDescriptor(d model.BackendDescriptor) BackendDescriptor {
	ibs := make([]UserInbound, len(d.Inbounds))
	for i, ib := range d.Inbounds {
		ibs[i] = UserInbound{Tag: ib.Tag, Protocol: string(ib.Protocol)}
	}
	return BackendDescriptor{
		Name:       d.Name,
		Type:       d.Type,
		Version:    d.Version,
		Inbounds:   ibs,
		Running:    d.Running,
		RSSBytes:   d.RSSBytes,
		CPUPercent: d.CPUPercent,
	}
}

// toStatusError maps the common.Kind taxonomy onto gRPC status codes per
// the contract: NOT_FOUND for unknown backend names, INVALID_ARGUMENT
// for malformed configs, INTERNAL for everything else including
// untyped errors.
func toStatusError(err error) error {
	if err == nil {
		return nil
	}
	kind, ok := common.KindOf(err)
	if !ok {
		return status.Error(codes.Internal, err.Error())
	}
	switch kind {
	case common.KindUnknownBackend:
		return status.Error(codes.NotFound, err.Error())
	case common.KindConfigInvalid:
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
