package consts

// SharedStateAdvisoryLockID is the PostgreSQL advisory lock taken while
// schema migrations for the shared maintenance state run, so that several
// proxies starting together do not migrate concurrently.
const SharedStateAdvisoryLockID = 40699301
