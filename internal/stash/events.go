package stash

// Events is a static observer registry for lifecycle notifications.
// Subscribers are registered at startup; there is no dynamic loading.
// Each Before hook fires exactly once per invocation prior to any side
// effect; each On hook fires exactly once after successful completion,
// never on failure. A nil *Events fires nothing.
type Events struct {
	beforeBackup          []func(sessionID string)
	onBackup              []func(sessionID string, backup *Backup)
	beforeRestore         []func(sessionID string)
	onRestore             []func(sessionID string, backup *Backup)
	beforeDelete          []func(sessionID string)
	onDelete              []func(sessionID string, backup *Backup)
	beforeDeleteOlderThan []func(sessionID string)
	onDeleteOlderThan     []func(sessionID string, deleted []*Backup)
	beforeRotateBackups   []func(sessionID string)
	onRotateBackups       []func(sessionID string, deleted []*Backup)
}

func NewEvents() *Events { return &Events{} }

func (e *Events) SubscribeBeforeBackup(fn func(sessionID string)) {
	e.beforeBackup = append(e.beforeBackup, fn)
}

func (e *Events) SubscribeOnBackup(fn func(sessionID string, backup *Backup)) {
	e.onBackup = append(e.onBackup, fn)
}

func (e *Events) SubscribeBeforeRestore(fn func(sessionID string)) {
	e.beforeRestore = append(e.beforeRestore, fn)
}

func (e *Events) SubscribeOnRestore(fn func(sessionID string, backup *Backup)) {
	e.onRestore = append(e.onRestore, fn)
}

func (e *Events) SubscribeBeforeDelete(fn func(sessionID string)) {
	e.beforeDelete = append(e.beforeDelete, fn)
}

func (e *Events) SubscribeOnDelete(fn func(sessionID string, backup *Backup)) {
	e.onDelete = append(e.onDelete, fn)
}

func (e *Events) SubscribeBeforeDeleteOlderThan(fn func(sessionID string)) {
	e.beforeDeleteOlderThan = append(e.beforeDeleteOlderThan, fn)
}

func (e *Events) SubscribeOnDeleteOlderThan(fn func(sessionID string, deleted []*Backup)) {
	e.onDeleteOlderThan = append(e.onDeleteOlderThan, fn)
}

func (e *Events) SubscribeBeforeRotateBackups(fn func(sessionID string)) {
	e.beforeRotateBackups = append(e.beforeRotateBackups, fn)
}

func (e *Events) SubscribeOnRotateBackups(fn func(sessionID string, deleted []*Backup)) {
	e.onRotateBackups = append(e.onRotateBackups, fn)
}

func (e *Events) fireBeforeBackup(sessionID string) {
	if e == nil {
		return
	}
	for _, fn := range e.beforeBackup {
		fn(sessionID)
	}
}

func (e *Events) fireOnBackup(sessionID string, backup *Backup) {
	if e == nil {
		return
	}
	for _, fn := range e.onBackup {
		fn(sessionID, backup)
	}
}

func (e *Events) fireBeforeRestore(sessionID string) {
	if e == nil {
		return
	}
	for _, fn := range e.beforeRestore {
		fn(sessionID)
	}
}

func (e *Events) fireOnRestore(sessionID string, backup *Backup) {
	if e == nil {
		return
	}
	for _, fn := range e.onRestore {
		fn(sessionID, backup)
	}
}

func (e *Events) fireBeforeDelete(sessionID string) {
	if e == nil {
		return
	}
	for _, fn := range e.beforeDelete {
		fn(sessionID)
	}
}

func (e *Events) fireOnDelete(sessionID string, backup *Backup) {
	if e == nil {
		return
	}
	for _, fn := range e.onDelete {
		fn(sessionID, backup)
	}
}

func (e *Events) fireBeforeDeleteOlderThan(sessionID string) {
	if e == nil {
		return
	}
	for _, fn := range e.beforeDeleteOlderThan {
		fn(sessionID)
	}
}

func (e *Events) fireOnDeleteOlderThan(sessionID string, deleted []*Backup) {
	if e == nil {
		return
	}
	for _, fn := range e.onDeleteOlderThan {
		fn(sessionID, deleted)
	}
}

func (e *Events) fireBeforeRotateBackups(sessionID string) {
	if e == nil {
		return
	}
	for _, fn := range e.beforeRotateBackups {
		fn(sessionID)
	}
}

func (e *Events) fireOnRotateBackups(sessionID string, deleted []*Backup) {
	if e == nil {
		return
	}
	for _, fn := range e.onRotateBackups {
		fn(sessionID, deleted)
	}
}
