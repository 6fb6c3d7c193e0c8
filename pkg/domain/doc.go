// Package domain defines the persisted records of the dictionary migration
// system (donors, submissions, migrations) and the storage contracts their
// backends implement.
package domain
