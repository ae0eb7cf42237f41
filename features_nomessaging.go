//go:build nomessagingtemplate

package boot

// Built with -tags nomessagingtemplate: Bootstrap never creates a
// MessagingTemplate.
const messagingTemplateAvailable = false
