// Routing of host requests to handlers. Whatever goes wrong, the host gets
// exactly one Response in one of three categories.
package dispatch

import (
	"context"
	"fmt"
	"io/ioutil"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/b2publish/b2plugin/pkg/contract"
)

// ErrUnrecognizedRequest is returned by a Factory for unknown request names.
var ErrUnrecognizedRequest = errors.New("unrecognized request")

type Dispatcher struct {
	factory Factory
	logger  logrus.FieldLogger
}

func New(factory Factory, logger logrus.FieldLogger) *Dispatcher {
	if logger == nil {
		l := logrus.New()
		l.Out = ioutil.Discard
		logger = l
	}
	return &Dispatcher{factory: factory, logger: logger}
}

// Handle never panics and never returns an error: unknown requests and
// malformed payloads become StatusBadRequest, anything else that fails
// becomes StatusInternalError, and a handler's own response is returned as is.
func (d *Dispatcher) Handle(ctx context.Context, req Request) (resp Response) {
	log := d.logger.WithFields(logrus.Fields{
		"request":    req.Name,
		"request_id": uuid.NewString(),
	})

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("handler panicked")
			resp = message(StatusInternalError, fmt.Sprint(r))
		}
		log.WithField("status", resp.Status.String()).Debug("request handled")
	}()

	handler, err := d.resolve(req.Name)
	if err != nil {
		if errors.Is(err, ErrUnrecognizedRequest) {
			log.Warn("unrecognized request")
			return message(StatusBadRequest, fmt.Sprintf("%s: %s", ErrUnrecognizedRequest, req.Name))
		}
		log.WithError(err).Error("failed to resolve handler")
		return message(StatusInternalError, err.Error())
	}

	resp, err = handler.Handle(ctx, req)
	switch {
	case err == nil:
		return resp
	case errors.Is(err, contract.ErrInvalidPayload):
		log.WithError(err).Warn("malformed payload")
		return message(StatusBadRequest, err.Error())
	default:
		log.WithError(err).Error("handler failed")
		return message(StatusInternalError, err.Error())
	}
}

func (d *Dispatcher) resolve(name string) (Handler, error) {
	rn, ok := ParseRequestName(name)
	if !ok {
		return nil, errors.Wrapf(ErrUnrecognizedRequest, "%q", name)
	}
	if d.factory == nil {
		return nil, errors.New("no handler factory configured")
	}
	h, err := d.factory.Handler(rn)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, errors.Errorf("factory returned no handler for %q", name)
	}
	return h, nil
}
