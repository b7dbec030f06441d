// Package command routes commands to aggregate handlers.
//
// A command is any value; its exact runtime type selects the registration.
// Executing it loads the target aggregate, validates the command against the
// hydrated state, lets the handler decide on events and saves them in one
// optimistic commit. Commands embedding es.MessageMeta stamp their id as
// causation on the persisted events.
package command
