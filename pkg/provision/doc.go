// Package provision contains the orchestration state machine that drives a
// remote compute resource from creation request to retrieved artifact:
// request the resource, poll the provider until it reports active, poll the
// shell port until a session opens, poll the session until boot-time
// self-configuration completes, then fetch the generated artifact. Each wait
// stage has its own poll interval and wall-clock ceiling, and every failure
// is classified and stamped with the stage it occurred in and the dangling
// resource identifier when one exists.
package provision
