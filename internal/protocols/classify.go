package protocols

import (
	"errors"
	"net"
	"net/textproto"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

func asTextprotoError(err error, target **textproto.Error) bool {
	return errors.As(err, target)
}

func asNetError(err error, target *net.Error) bool {
	return errors.As(err, target)
}

func asResponseError(err error, target **azcore.ResponseError) bool {
	return errors.As(err, target)
}
