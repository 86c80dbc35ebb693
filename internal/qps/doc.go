// Package qps implements per-operation QPS flow control. Limits are
// configured per service, schema or operation under
// servicecomb.flowcontrol.<Role>.qps and the most specific configured level
// governs a call.
package qps
