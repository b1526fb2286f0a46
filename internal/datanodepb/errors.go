package datanodepb

import (
	"errors"

	"clusternode/internal/dnerrors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps a dnerrors-classified error onto the grpc.Code its Kind
// implies (§7's retry/abort taxonomy), with the stable wire Code (if any)
// kept as a readable prefix on the message — this transport has no
// generated status-detail type to carry it as structured data.
func toStatus(err error) error {
	if err == nil {
		return nil
	}

	var de *dnerrors.Error
	if !errors.As(err, &de) {
		return status.Error(codes.Internal, err.Error())
	}

	grpcCode := codes.Internal
	switch de.Kind {
	case dnerrors.KindTransientRetriable:
		grpcCode = codes.Unavailable
	case dnerrors.KindClientContract:
		grpcCode = codes.FailedPrecondition
	case dnerrors.KindDataCorruption:
		grpcCode = codes.DataLoss
	case dnerrors.KindIOError:
		grpcCode = codes.Internal
	case dnerrors.KindSpaceExhausted:
		grpcCode = codes.ResourceExhausted
	case dnerrors.KindConfiguration:
		grpcCode = codes.FailedPrecondition
	case dnerrors.KindSchedulerInternal:
		grpcCode = codes.Internal
	}
	return status.Errorf(grpcCode, "%s: %v", de.Code, err)
}
