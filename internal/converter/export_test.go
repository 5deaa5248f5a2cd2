package converter

// SetExecutorForTest lets tests replace the LibreOffice process.
func (c *LocalConverter) SetExecutorForTest(executor CommandExecutor) {
	c.executor = executor
}

// SetExistsForTest lets tests observe and control every poll check.
func (c *LocalConverter) SetExistsForTest(exists func(path string) bool) {
	c.exists = exists
}

// OptionsForTest returns the converter's effective options.
func (c *LocalConverter) OptionsForTest() LocalOptions { return c.opts }
