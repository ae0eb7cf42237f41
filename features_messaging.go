//go:build !nomessagingtemplate

package boot

const messagingTemplateAvailable = true
