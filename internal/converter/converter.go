// Package converter turns office documents into PDF renditions, either with a
// local LibreOffice process or through the Microsoft Graph API.
package converter

import (
	"context"
	"fmt"

	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/models"
	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/scratch"
)

// Converter is the capability every backend exposes. The returned path is
// tracked by space and is removed with it.
type Converter interface {
	Convert(ctx context.Context, space *scratch.Space, req Request) (string, error)
}

// Request is implemented by LocalRequest and RemoteRequest only.
type Request interface {
	conversionRequest()
}

// LocalRequest converts a file already staged on local disk.
type LocalRequest struct {
	Path string
}

// Credentials are the client-credentials grant inputs for one tenant.
type Credentials struct {
	ClientID     string
	TenantID     string
	ClientSecret string
}

// RemoteRequest asks Graph for the PDF rendition of a drive item.
type RemoteRequest struct {
	Credentials Credentials
	DriveID     string
	FileID      string
}

func (LocalRequest) conversionRequest()  {}
func (RemoteRequest) conversionRequest() {}

// State is a step of a conversion's lifecycle.
type State string

const (
	StateSubmitted      State = "Submitted"
	StatePolling        State = "Polling"
	StateAuthenticating State = "Authenticating"
	StateRequesting     State = "Requesting"
	StateDone           State = "Done"
	StateTimedOut       State = "TimedOut"
	StateFailed         State = "Failed"
)

// Observer is notified of every state transition. It is optional.
type Observer func(State)

func notify(o Observer, s State) {
	if o != nil {
		o(s)
	}
}

func wrongRequest(op string, req Request) error {
	return models.NewError(models.KindBadRequest, op, fmt.Sprintf("unsupported conversion request %T", req))
}
