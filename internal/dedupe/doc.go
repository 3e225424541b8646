// Package dedupe remembers recently seen keys for a bounded time so the
// dispatch hub can drop task results an agent delivered more than once.
package dedupe
