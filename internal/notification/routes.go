package notification

import (
	"fmt"
	"net/http"

	"github.com/example/switch-adapter/internal/envelope"
)

// Pattern selects who receives a notification.
type Pattern int

const (
	// PatternSingle notifies the envelope's to participant only.
	PatternSingle Pattern = iota
	// PatternDual notifies both to and from with the same body.
	PatternDual
	// PatternSender notifies only the participant that sent the original
	// request.
	PatternSender
	// PatternReserve notifies the payer (to) with the full fulfil and the
	// payee (from) with a reduced PATCH that omits the fulfilment.
	PatternReserve
)

func (p Pattern) String() string {
	switch p {
	case PatternSingle:
		return "single"
	case PatternDual:
		return "dual"
	case PatternSender:
		return "sender"
	case PatternReserve:
		return "reserve"
	default:
		return fmt.Sprintf("pattern(%d)", int(p))
	}
}

// Route describes how one action is delivered.
type Route struct {
	Pattern Pattern
	// Method is used for every recipient except the payee of PatternReserve.
	Method string
	// Error routes deliver to the error endpoint of the resource.
	Error bool
	// Forward marks routes whose delivery to the to participant relays the
	// sender's own message; its source header is preserved.
	Forward bool
}

var routes = map[envelope.Action]Route{
	envelope.ActionPrepare:          {Pattern: PatternSingle, Method: http.MethodPost, Forward: true},
	envelope.ActionForwarded:        {Pattern: PatternDual, Method: http.MethodPut, Forward: true},
	envelope.ActionReserve:          {Pattern: PatternReserve, Method: http.MethodPut, Forward: true},
	envelope.ActionCommit:           {Pattern: PatternDual, Method: http.MethodPut, Forward: true},
	envelope.ActionReject:           {Pattern: PatternDual, Method: http.MethodPut, Forward: true},
	envelope.ActionAbort:            {Pattern: PatternDual, Method: http.MethodPut, Error: true, Forward: true},
	envelope.ActionAbortValidation:  {Pattern: PatternSender, Method: http.MethodPut, Error: true},
	envelope.ActionAbortDuplicate:   {Pattern: PatternSingle, Method: http.MethodPut},
	envelope.ActionReservedAborted:  {Pattern: PatternSingle, Method: http.MethodPatch},
	envelope.ActionPrepareDuplicate: {Pattern: PatternSingle, Method: http.MethodPut},
	envelope.ActionFulfilDuplicate:  {Pattern: PatternSingle, Method: http.MethodPut},
	envelope.ActionTimeoutReceived:  {Pattern: PatternSender, Method: http.MethodPut, Error: true},
	envelope.ActionTimeoutReserved:  {Pattern: PatternDual, Method: http.MethodPut, Error: true},
	envelope.ActionGet:              {Pattern: PatternSingle, Method: http.MethodPut},
	envelope.ActionNotify:           {Pattern: PatternSingle, Method: http.MethodPatch},
}

// senderError replaces a success route when the ledger flagged the event as
// failed.
var senderError = Route{Pattern: PatternSender, Method: http.MethodPut, Error: true}

func init() {
	for _, a := range envelope.Actions() {
		if _, ok := routes[a.Base()]; !ok {
			panic(fmt.Sprintf("notification: no route for action %q", a))
		}
	}
}

// RouteFor returns the route of action. Fx actions share the route of their
// base action.
func RouteFor(action envelope.Action) (Route, error) {
	if !action.Valid() {
		return Route{}, fmt.Errorf("notification: unknown action %q", action)
	}
	return routes[action.Base()], nil
}

// routeForEvent applies the event state on top of the action's route.
func routeForEvent(e envelope.Envelope) (Route, error) {
	r, err := RouteFor(e.Action())
	if err != nil {
		return Route{}, err
	}
	if !r.Error && !e.Metadata.Event.State.Succeeded() {
		return senderError, nil
	}
	return r, nil
}
