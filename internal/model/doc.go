// Package model defines the records shared by the orchestrator's components:
// agents, commands, queued jobs, interrupt requests and trace entries.
//
// Types here carry no behaviour beyond validation and state-transition rules;
// ownership of each record lives with the component that mutates it (the
// registry owns Agent, the lifecycle service owns Command, the queue owns Job).
package model
