// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// store assembles the transactional extent store from its parts: a device
// for the extent data, a journal for commit records and checkpoints, the
// segmented placement, the transaction manager and the cleaner running in the
// background.
//
// All parts are defined by interfaces or options, so the s3 device can be
// replaced by memory for tests or null for benchmarking the core, and the
// bolt journal by the memory one.
package store
