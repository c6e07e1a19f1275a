/*
Package events distributes consensus lifecycle events to interested
subscribers: elections, leadership changes, membership transitions, snapshot
activity, and fatal halts.

The broker decouples the consensus hot path from observers: Publish never
blocks, and a slow subscriber loses events rather than stalling the node.
*/
package events
